package capvalidator

// StaticSchemaResolver resolves arg_constraints digests against a fixed,
// preloaded map, for deployments where the Supervisor and gateway share a
// small, static set of argument schemas out of band rather than through a
// dynamic schema registry (out of scope for this core per spec.md §1).
type StaticSchemaResolver struct {
	schemas map[string]any
}

// NewStaticSchemaResolver builds a resolver from digest-to-schema pairs.
// The map keys are used as given: the resolver neither computes nor checks
// that a key is the digest of its schema, so callers typically build this
// map once at startup from a small bundle of trusted schema documents.
func NewStaticSchemaResolver(schemas map[string]any) *StaticSchemaResolver {
	return &StaticSchemaResolver{schemas: schemas}
}

func (r *StaticSchemaResolver) Resolve(digest string) (any, bool, error) {
	doc, ok := r.schemas[digest]
	return doc, ok, nil
}
