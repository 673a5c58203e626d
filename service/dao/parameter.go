package dao

// Well-known parameter names understood by the built-in stores. They back
// the indexed lookups: tenant, status, role and alert resolution flag.
const (
	ParamTenantID = "TenantID"
	ParamStatus   = "Status"
	ParamRole     = "Role"
	ParamSourceID = "SourceID"
	ParamTargetID = "TargetID"
	ParamResolved = "Resolved"
)

// Parameter is a named List filter.
type Parameter struct {
	Name  string
	Value interface{}
}

// NewParameter creates a filter; a single value matches equality, multiple
// values match any-of.
func NewParameter(name string, values ...string) *Parameter {
	if len(values) == 1 {
		return &Parameter{Name: name, Value: values[0]}
	}
	return &Parameter{Name: name, Value: values}
}
