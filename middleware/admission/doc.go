// Package admission fornece adapters HTTP (net/http) para a admissão por tenant
// (QPS + conexões) e para o limite global de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (decisão allow/deny, acquire/timeout) sem net/http
//   - infra: implementações concretas (token bucket, controlador por tenant, semáforo, stats)
//   - admission (este pacote): middlewares HTTP + extração do tenant + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai o tenant (header configurado, XFF ou IP)
//  2. Chama a camada application para obter a decisão
//  3. Se bloqueado, responde 429 com Retry-After e X-RateLimit-* (ou 503 por concorrência)
//  4. Se permitido, anota os headers X-RateLimit-* e chama o próximo handler
//
// O handler de stream usa as mesmas funções (WriteRateLimitHeaders, WriteRejection)
// para o handshake SSE.
package admission
