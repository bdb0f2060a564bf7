// Package stream é o adaptador HTTP do streaming: handshake SSE (token por
// header ou query, replay, admissão), o writer SSE, a emissão de tokens de
// stream e os endpoints de operador (publish e stats).
package stream
