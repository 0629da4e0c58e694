package ws

import "sync"

var (
	sharedMu sync.Mutex
	shared   *Channel
)

// Shared возвращает канал процесса, создавая его при первом вызове.
// opts учитываются только вызовом, который его создал.
func Shared(opts Options) *Channel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = New(opts)
	}
	return shared
}

// Disconnect закрывает общий канал; следующий Shared создаст новый.
func Disconnect() {
	sharedMu.Lock()
	ch := shared
	shared = nil
	sharedMu.Unlock()
	if ch != nil {
		ch.Close()
	}
}
