package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"gridstream.dev/internal/protocol"
	"gridstream.dev/internal/stream"
)

// validatord is a stub validation responder for local testing: it answers
// every VALIDATE with a RESULT after a fixed delay, denying entities whose
// kind is listed in -deny_kinds or whose id hits -deny_every.
func main() {
	var (
		addr      = flag.String("addr", ":8090", "http listen address")
		delayMs   = flag.Int("delay_ms", 250, "response delay in milliseconds")
		denyKinds = flag.String("deny_kinds", "", "comma-separated entity kinds to deny (e.g. FLOATING_OBJECT)")
		denyEvery = flag.Int("deny_every", 0, "deny every Nth entity id (0: never)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[validatord] ", log.LstdFlags|log.Lmicroseconds)

	denied := map[stream.EntityKind]bool{}
	for _, k := range strings.Split(*denyKinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			denied[stream.ParseKind(k)] = true
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/ws", func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		logger.Printf("sidecar connected from %s", r.RemoteAddr)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		out := make(chan []byte, 256)

		// Writer goroutine; delayed results land on out.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeValidate {
				continue
			}
			var req protocol.ValidateMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}

			valid := !denied[stream.ParseKind(req.EntityKind)]
			if *denyEvery > 0 && req.EntityID%uint64(*denyEvery) == 0 {
				valid = false
			}

			b, err := json.Marshal(protocol.ResultMsg{
				Type:            protocol.TypeResult,
				ProtocolVersion: protocol.Version,
				EntityID:        req.EntityID,
				Valid:           valid,
			})
			if err != nil {
				continue
			}
			time.AfterFunc(time.Duration(*delayMs)*time.Millisecond, func() {
				select {
				case <-ctx.Done():
				case out <- b:
				default:
				}
			})
		}
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signalContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (delay=%dms)", *addr, *delayMs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
