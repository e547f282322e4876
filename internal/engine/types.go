package engine

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }

func UserMessage(content string) Message { return Message{Role: RoleUser, Content: content} }

// Schema is the JSON object shape an extraction must answer with. Every
// property is listed in Required unless built with Optional.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// Field is a named property for Object.
type Field struct {
	Name     string
	Property SchemaProperty
	Optional bool
}

// Object builds an object schema from fields, requiring the ones not
// marked Optional.
func Object(fields ...Field) *Schema {
	s := &Schema{Type: "object", Properties: make(map[string]SchemaProperty, len(fields))}
	for _, f := range fields {
		s.Properties[f.Name] = f.Property
		if !f.Optional {
			s.Required = append(s.Required, f.Name)
		}
	}
	return s
}

func String(name, description string) Field {
	return Field{Name: name, Property: SchemaProperty{Type: "string", Description: description}}
}

// StringMap is a free-form object of string values, such as contact
// attributes.
func StringMap(name, description string) Field {
	return Field{Name: name, Property: SchemaProperty{Type: "object", Description: description}}
}

func StringList(name, description string) Field {
	return Field{Name: name, Property: SchemaProperty{
		Type:        "array",
		Description: description,
		Items:       &SchemaProperty{Type: "string"},
	}}
}

// PullProgress reports download progress for a model pull.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns the completed share in [0, 100], or -1 when the total is
// unknown.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	pct := float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
