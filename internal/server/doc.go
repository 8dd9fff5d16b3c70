// Package server wires the cached upstream http.Client and hosts the Fiber
// admin application used to inspect and manage the disk cache. The admin
// surface stays under /-/ (stats, flush, eviction, fetch-through-cache) and
// depends only on narrow interfaces so tests can inject fakes.
package server
