// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы сетевые колбэки и обработчики событий не блокировались на выводе.
// Поддерживается логирование времени выполнения запросов к API.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const asyncBufferSize = 4096

var (
	prefix   atomic.Value
	logLevel atomic.Int32
	ch       chan string
	once     sync.Once
)

type level int32

const (
	levelDebug level = iota
	levelInfo
	levelWarn
)

func init() {
	prefix.Store("")
	logLevel.Store(int32(parseLevel(os.Getenv("LOG_LEVEL"))))
}

func parseLevel(s string) level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return levelDebug
	case "warn", "warning", "error":
		return levelWarn
	default:
		return levelInfo
	}
}

func initWorker() {
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case ch <- msg:
	default:
		// Буфер полон - не блокируем, теряем лог
	}
}

func enabled(l level) bool {
	return l >= level(logLevel.Load())
}

// SetPrefix задаёт префикс для всех последующих логов (например "chat").
func SetPrefix(p string) {
	prefix.Store(p)
}

// SetLevel переопределяет уровень из LOG_LEVEL (значение из конфига: debug, info, warn).
func SetLevel(s string) {
	if s == "" {
		return
	}
	logLevel.Store(int32(parseLevel(s)))
}

func tag() string {
	p, _ := prefix.Load().(string)
	if p == "" {
		return ""
	}
	return "[" + p + "] "
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	if !enabled(levelDebug) {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	if !enabled(levelInfo) {
		return
	}
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Warnf - деградация без потери функциональности (устаревший список, пропущенный mark_read).
func Warnf(format string, v ...any) {
	enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 300ms; при LOG_LEVEL=debug - все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if enabled(levelDebug) || elapsed >= 300*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("api.Send", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
