// Package validation checks routine definitions and engine configuration.
//
// Two styles are supported. Struct tag validation (go-playground/validator)
// is used for configuration structs:
//
//	type Config struct {
//	    MaxParallelBranches int `mapstructure:"max_parallel_branches" validate:"gte=1"`
//	}
//	err := validation.Validate(cfg)
//
// Programmatic validation collects every problem in a graph before failing:
//
//	v := validation.New()
//	v.Required("start_node_id", doc.StartNodeID)
//	v.Check(len(doc.Nodes) > 0, "nodes", "must not be empty")
//	err := v.Err()
//
// Both return *errors.AppError with code VALIDATION_ERROR and a "fields"
// detail listing each FieldError.
package validation
