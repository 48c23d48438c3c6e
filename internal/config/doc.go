// Package config loads runtime configuration from multiple sources (YAML
// files, environment variables, CLI flags) with precedence: CLI flags >
// YAML config > Environment variables > Defaults. The HANDLER_* environment
// variables are the external contract shared with the parent analytics
// application; resolving them never fails, so the dashboard is always
// startable with an empty environment.
package config
