// Package application provides application initialization and dependency
// wiring. It runs the startup database sync, opens the staged copy, and
// builds the handlers, router, and HTTP server, keeping the main package
// focused on CLI parsing and orchestration.
package application
