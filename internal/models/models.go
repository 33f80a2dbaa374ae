package models

// All lists every model the schema migration creates.
var All = []interface{}{
	&JobExecution{},
	&ConfigSnapshot{},
	&GeneratedImage{},
}
