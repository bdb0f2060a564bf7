// Package domain define os tipos do streaming (envelope, sessão, claims),
// os erros tipados e as portas para replay store e trilha de auditoria.
package domain
