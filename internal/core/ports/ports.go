// Package ports declares the boundaries between the export core and its
// adapters: inbound services used by the HTTP layer and outbound
// dependencies (detection database, task storage, events, cleanup).
package ports
