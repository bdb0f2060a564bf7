// Package domain define contratos e tipos de domínio para a admissão por tenant:
// limite de taxa (token bucket) e limite de conexões simultâneas.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain
