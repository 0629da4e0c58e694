package chat

// Verdict - решение Reconciler о входящем событии.
type Verdict int

const (
	// VerdictNew - видим впервые, показываем.
	VerdictNew Verdict = iota
	// VerdictEcho - единственное ожидаемое эхо своей отправки, поглощается.
	VerdictEcho
	// VerdictDuplicate - уже показано из истории, отправки или раньшего события.
	VerdictDuplicate
	// VerdictClosed - движок закрыт, событие не разбиралось.
	VerdictClosed
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictEcho:
		return "echo"
	case VerdictDuplicate:
		return "duplicate"
	case VerdictClosed:
		return "closed"
	}
	return "unknown"
}

// Reconciler хранит кэши дедупликации одного экрана беседы. Создаётся вместе с
// экраном и уходит с ним; сам по себе не потокобезопасен (доступ
// сериализует Engine).
type Reconciler struct {
	// seen: ключи сообщений, показанных в активной беседе.
	seen map[string]struct{}
	// sent: ключи своих отправок, эхо которых ещё не пришло.
	sent map[string]struct{}
	// readMarked: беседы, отмеченные прочитанными в этой сессии.
	readMarked map[string]struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		seen:       make(map[string]struct{}),
		sent:       make(map[string]struct{}),
		readMarked: make(map[string]struct{}),
	}
}

// ResetSeen очищает seen; вызывается при каждой смене активной беседы.
func (r *Reconciler) ResetSeen() {
	r.seen = make(map[string]struct{})
}

// SeedHistory заменяет seen ключами только что загруженной истории.
func (r *Reconciler) SeedHistory(keys []string) {
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}
	r.seen = next
}

// Seen - сообщение с key уже показано.
func (r *Reconciler) Seen(key string) bool {
	_, ok := r.seen[key]
	return ok
}

// RegisterSent учитывает подтверждённую отправку. false - ключ уже был в seen,
// т.е. эхо обогнало ответ на send; тогда эхо больше не ждём и sent не трогаем.
func (r *Reconciler) RegisterSent(key string) bool {
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	r.sent[key] = struct{}{}
	return true
}

// PendingEcho - эхо для key ещё ожидается.
func (r *Reconciler) PendingEcho(key string) bool {
	_, ok := r.sent[key]
	return ok
}

// Arrival классифицирует сообщение из канала и обновляет кэши.
func (r *Reconciler) Arrival(key string) Verdict {
	if _, ok := r.sent[key]; ok {
		delete(r.sent, key)
		return VerdictEcho
	}
	if _, ok := r.seen[key]; ok {
		return VerdictDuplicate
	}
	r.seen[key] = struct{}{}
	return VerdictNew
}

func (r *Reconciler) ReadMarked(conversationID string) bool {
	_, ok := r.readMarked[conversationID]
	return ok
}

func (r *Reconciler) RecordRead(conversationID string) {
	r.readMarked[conversationID] = struct{}{}
}
