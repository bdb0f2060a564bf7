// Package application concentra as regras do streaming: o Manager (publish,
// fan-out e assinaturas por tópico), a máquina de estados da sessão, a
// autenticação do handshake e a gravação assíncrona da auditoria.
//
// Não sabe nada sobre HTTP: quem escreve no fio implementa Sink.
package application
