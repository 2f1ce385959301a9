// Package core defines core types.
package core

// Annotations holds per-record metadata attached by stages.
type Annotations map[string]any

// Annotation keys following the {stage} naming convention.
const (
	AnnotationHTTP   = "http"   // Classification written by the classifier
	AnnotationFilter = "filter" // Name of the filter that accepted the record
)

// Get returns the value stored under key. A nil map yields (nil, false).
func (a Annotations) Get(key string) (any, bool) {
	v, ok := a[key]
	return v, ok
}

// String returns the value under key if it is a string.
func (a Annotations) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Len returns the number of annotations.
func (a Annotations) Len() int {
	return len(a)
}
