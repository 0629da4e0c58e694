package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hays/internal/api"
	"github.com/hays/internal/apitest"
	"github.com/hays/internal/chat"
	"github.com/hays/internal/config"
	"github.com/hays/internal/convid"
	"github.com/hays/internal/logger"
	"github.com/hays/internal/metrics"
	"github.com/hays/internal/social"
	"github.com/hays/internal/storage"
	"github.com/hays/internal/ws"
)

func main() {
	logger.SetPrefix("chat")
	execute()
}

// readLines читает ввод построчно в отдельной горутине вне errgroup: Scan не
// прерывается отменой контекста, поэтому читатель просто бросается при выходе.
// После close(done) он завершится на следующей строке или EOF.
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		if err := sc.Err(); err != nil {
			logger.Errorf("stdin: %v", err)
		}
	}()
	return lines
}

func run(ctx context.Context, cfg *config.Config, store storage.SessionStore, in io.Reader, w io.Writer, login, open string, fake *demoBackend) error {
	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	expired := make(chan struct{}, 1)
	sess := newSession(cfg, store, client, func() {
		select {
		case expired <- struct{}{}:
		default:
		}
	})

	if !sess.LoggedIn(ctx) {
		if login == "" {
			return errors.New("not logged in: run with --login <username>")
		}
		password, err := readPassword()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if err := sess.Login(ctx, login, password); err != nil {
			return err
		}
	}
	me, err := sess.CurrentUser(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "logged in as %s\n", me.Username)

	channel := ws.Shared(ws.Options{
		URL:            cfg.SocketURL,
		Token:          sess.Token,
		WriteTimeout:   cfg.WS.WriteTimeout,
		PongTimeout:    cfg.WS.PongTimeout,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBufferSize: cfg.WS.SendBufferSize,
		ReconnectMax:   cfg.WS.ReconnectMaxGap,
	})
	defer ws.Disconnect()

	norm := convid.New(cfg.ConversationPrefix)
	out := newView(w)
	eng := chat.New(chat.Options{
		API:        client,
		Events:     channel,
		Normalizer: &norm,
		SelfID:     string(me.ID),
		PageSize:   cfg.ConversationPageSize,
		OnChange:   out.onChange,
	})
	out.eng = eng
	defer eng.Close()

	if err := eng.Refresh(ctx); err != nil {
		fmt.Fprintln(w, "could not load conversations:", api.Detail(err))
	}
	out.printList(chat.Filter{})
	if open != "" {
		if _, err := eng.Open(ctx, open); err != nil {
			fmt.Fprintln(w, "could not load messages:", api.Detail(err))
		}
	}

	done := make(chan struct{})
	defer close(done)
	lines := readLines(in, done)
	cmds := &commands{eng: eng, sess: sess, social: social.New(client), view: out, out: w, lines: lines}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-expired:
				fmt.Fprintln(w, "session expired, run again with --login")
				return errSessionExpired
			case line, ok := <-lines:
				if !ok {
					return io.EOF
				}
				if err := cmds.handle(gctx, line); err != nil {
					return err
				}
			}
		}
	})
	if fake != nil {
		g.Go(func() error { return fake.chatter(gctx, string(me.ID)) })
	}
	err = g.Wait()
	switch {
	case errors.Is(err, errQuit), errors.Is(err, io.EOF), errors.Is(err, errSessionExpired):
		return nil
	}
	return err
}

// serveMetrics отдаёт /metrics до отмены ctx.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("metrics shutdown: %v", err)
		}
	}()
	logger.Infof("metrics on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

var (
	errQuit           = errors.New("quit")
	errSessionExpired = errors.New("session expired")
)

// demoBackend - фейковый сервер в процессе с разговорчивым собеседником.
type demoBackend struct {
	srv     *apitest.Server
	token   string
	aliceID string
}

func startDemo(cfg *config.Config) *demoBackend {
	srv := apitest.NewServer()
	_, token := srv.AddUser("me", "secret")
	aliceID, _ := srv.AddUser("alice", "secret")
	cfg.APIBaseURL = srv.URL()
	cfg.SocketURL = config.SocketURLFromAPI(srv.URL())
	cfg.SessionStore = config.StoreMemory
	fmt.Printf("demo backend at %s, alice is %s\n", srv.URL(), aliceID)
	return &demoBackend{srv: srv, token: token, aliceID: aliceID}
}

func (d *demoBackend) chatter(ctx context.Context, meID string) error {
	lines := []string{"hi!", "are you there?", "ping"}
	t := time.NewTicker(20 * time.Second)
	defer t.Stop()
	d.srv.Push(d.aliceID, meID, "welcome to the demo")
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			d.srv.Push(d.aliceID, meID, lines[i%len(lines)])
		}
	}
}
