// Package schema declares, per attribute name, the value kind and
// cardinality of facts that may be written under it. The registry is
// consulted at append time, never at read time: a fact that made it into
// the log is by construction well-formed.
//
// The built-in leaflet registry covers the document attributes; additional
// attribute declarations can be compiled from CUE files (see LoadDir).
package schema
