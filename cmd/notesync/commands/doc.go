// Package commands defines the notesync CLI.
//
// Commands
//
//   - relay   Serve the development relay (websocket + REST API)
//   - token   Mint a development bearer token
//   - watch   Join a note and log presence, typing and updates
//   - edit    Edit a note through the sync pipeline and save
//
// The root command builds the logger and loads configuration from the
// environment before any subcommand runs; flags override both.
package commands
