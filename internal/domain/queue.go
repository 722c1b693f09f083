package domain

// QueueKeys derives every store key used for one named queue.
type QueueKeys struct {
	Prefix string
	Name   string
}

func NewQueueKeys(prefix, name string) QueueKeys {
	return QueueKeys{Prefix: prefix, Name: name}
}

func (k QueueKeys) base() string {
	return k.Prefix + ":" + k.Name
}

func (k QueueKeys) Wait() string {
	return k.base() + ":wait"
}

func (k QueueKeys) Active() string {
	return k.base() + ":active"
}

func (k QueueKeys) Job(id string) string {
	return k.base() + ":" + id
}
