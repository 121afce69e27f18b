package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(h *Hub, topic string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(conn, topic)
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := NewHub()
	srv := newHubServer(h, "conversation:7")
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Registration happens inside Serve on the server goroutine; publish
	// until the frame arrives.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			h.Publish("conversation:7", map[string]string{"status": "SENT"})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	<-done

	var ev Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Topic != "conversation:7" {
		t.Errorf("topic = %q", ev.Topic)
	}
}

func TestPublishIsolatedPerTopic(t *testing.T) {
	h := NewHub()
	srv := newHubServer(h, "conversation:a")
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	h.Publish("conversation:b", map[string]string{"status": "SENT"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("subscriber of topic a received a frame published to topic b")
	}
}

// Publishing must stay safe while viewers disconnect: the viewer leaves the
// topic map before its send channel closes, so no publisher can hit a
// closed channel.
func TestPublishDuringDisconnect(t *testing.T) {
	h := NewHub()
	srv := newHubServer(h, "conversation:churn")
	defer srv.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					h.Publish("conversation:churn", map[string]string{"status": "SENT"})
				}
			}
		}()
	}

	for i := 0; i < 300; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}

	close(stop)
	wg.Wait()
}
