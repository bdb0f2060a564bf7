package application

// Observer recebe os eventos do streaming que viram métricas.
type Observer interface {
	Published(topic string)
	SubscriberDropped(topic string)
	BacklogReplayed(topic string, n int)
	StreamOpened(topic string)
	StreamClosed(topic, reason string)
	Handshake(result string)
}

// NopObserver descarta tudo.
type NopObserver struct{}

func (NopObserver) Published(string)            {}
func (NopObserver) SubscriberDropped(string)    {}
func (NopObserver) BacklogReplayed(string, int) {}
func (NopObserver) StreamOpened(string)         {}
func (NopObserver) StreamClosed(string, string) {}
func (NopObserver) Handshake(string)            {}
