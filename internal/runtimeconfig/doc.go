// Package runtimeconfig holds the debugger's dynamic properties.
//
// A Store is a flat key/value table with synchronous change notification.
// A Cell is a boolean view over one key: hot paths read its cached value
// without touching the store, and the cache is refreshed by the store's
// notification before Set returns.
//
// Stores can be seeded from a YAML properties file where nested maps are
// flattened into dotted keys.
package runtimeconfig
