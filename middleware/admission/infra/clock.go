package infra

import "time"

// Clock abstrai a fonte de tempo. A implementação padrão usa time.Now, cujo
// valor carrega a leitura monotônica; as contas são sempre feitas com Sub,
// então ajustes de relógio de parede (NTP, horário de verão) não afetam o refill.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock é o relógio de produção.
var SystemClock Clock = systemClock{}
