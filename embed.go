package pagechat

import _ "embed"

// ExampleConfig is the annotated default configuration. It is written to the user's config directory
// on the first run, when no configuration file exists yet.
//
//go:embed config.example.yaml
var ExampleConfig []byte
