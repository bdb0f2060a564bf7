// Package application contém os casos de uso de admissão por tenant
// e de limite global de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(tenant, cost) retorna uma Decision (allow/deny + headers).
package application
