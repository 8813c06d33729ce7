// Package config loads the declared-intent YAML file enumerating
// services to route, and watches it for changes. The file is consumed,
// not produced: gatehouse only translates it into route declarations.
package config
