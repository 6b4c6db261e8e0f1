package flows

// Flow is a declarative pipeline label a task can reference. The engine
// never interprets Phases; they exist for orchestrators to read when
// deciding how to execute a task whose flow field names this entry.
type Flow struct {
	ID     string   `yaml:"id,omitempty" json:"id"`
	Name   string   `yaml:"name" json:"name"`
	Phases []string `yaml:"phases" json:"phases"`
}
