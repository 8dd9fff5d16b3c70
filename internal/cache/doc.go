// Package cache persists HTTP responses on top of the disklru journal store.
// Each record keeps two slots: the serialized Entry (request context, status
// line, headers, TLS handshake, timestamps) and the raw response body. Bodies
// are written while the caller reads them through CachingResponse, so a record
// is only published once the network stream reaches EOF; errors or abandoned
// streams abort the edit and leave any previous record intact.
package cache
