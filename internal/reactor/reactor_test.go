package reactor_test

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/irgordon/strand/internal/reactor"
)

// startReactor runs a reactor loop for the duration of the test.
func startReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.Options{DrainWindow: time.Second})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()
	t.Cleanup(func() {
		r.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("reactor did not stop")
		}
	})
	return r
}

// socketPair returns one raw fd for the reactor and the peer end as a
// net.Conn for the test to drive.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	f := os.NewFile(uintptr(fds[1]), "peer")
	peer, err := net.FileConn(f)
	require.NoError(t, err)
	_ = f.Close()
	t.Cleanup(func() { _ = peer.Close() })
	return fds[0], peer
}

// recorder is a protocol that collects lifecycle events.
type recorder struct {
	reactor.ProtocolDefaults
	mu       sync.Mutex
	data     []byte
	timeouts int
	closed   chan struct{}
}

func newRecorder() *recorder { return &recorder{closed: make(chan struct{})} }

func (p *recorder) OnData(io *reactor.IO) {
	p.mu.Lock()
	p.data = append(p.data, io.Input()...)
	p.mu.Unlock()
	io.Consume(len(io.Input()))
}

func (p *recorder) OnTimeout(io *reactor.IO) {
	p.mu.Lock()
	p.timeouts++
	p.mu.Unlock()
	io.Close()
}

func (p *recorder) OnClose(*reactor.IO) { close(p.closed) }

func TestReactor_EchoWrite(t *testing.T) {
	r := startReactor(t)
	fd, peer := socketPair(t)

	rec := newRecorder()
	ioObj, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)

	require.NoError(t, ioObj.Write([]byte("hello"), reactor.WriteOpts{}))
	buf := make([]byte, 16)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = peer.Write([]byte("inbound"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return string(rec.data) == "inbound"
	}, 5*time.Second, 10*time.Millisecond)
}

// For any interleaving of enqueues from many goroutines, the emitted
// stream is a linearization of per-goroutine enqueue order.
func TestReactor_WriteOrderLinearization(t *testing.T) {
	r := startReactor(t)
	fd, peer := socketPair(t)

	rec := newRecorder()
	ioObj, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)

	const writers, msgs = 8, 50
	var wg sync.WaitGroup
	total := 0
	for w := 0; w < writers; w++ {
		for i := 0; i < msgs; i++ {
			total += len(fmt.Sprintf("w%d-%03d;", w, i))
		}
	}
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < msgs; i++ {
				msg := fmt.Sprintf("w%d-%03d;", w, i)
				require.NoError(t, ioObj.Write([]byte(msg), reactor.WriteOpts{Copy: true}))
			}
		}(w)
	}
	wg.Wait()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(10*time.Second)))
	out := make([]byte, 0, total)
	buf := make([]byte, 4096)
	for len(out) < total {
		n, err := peer.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:n]...)
	}

	stream := string(out)
	for w := 0; w < writers; w++ {
		last := -1
		for i := 0; i < msgs; i++ {
			idx := strings.Index(stream, fmt.Sprintf("w%d-%03d;", w, i))
			require.GreaterOrEqual(t, idx, 0, "writer %d message %d missing", w, i)
			assert.Greater(t, idx, last, "writer %d out of order at %d", w, i)
			last = idx
		}
	}
}

// Chunk deallocators run exactly once, in both the written and the
// discarded paths.
func TestReactor_DeallocRunsOnce(t *testing.T) {
	r := startReactor(t)
	fd, peer := socketPair(t)

	rec := newRecorder()
	ioObj, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	freed := map[string]int{}
	dealloc := func(tag string) func() {
		return func() {
			mu.Lock()
			freed[tag]++
			mu.Unlock()
		}
	}

	require.NoError(t, ioObj.Write([]byte("sent"), reactor.WriteOpts{Dealloc: dealloc("sent")}))
	buf := make([]byte, 8)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = peer.Read(buf)
	require.NoError(t, err)

	ioObj.Close()
	<-rec.closed

	// Writes after close release their chunk without sending it.
	require.Error(t, ioObj.Write([]byte("late"), reactor.WriteOpts{Dealloc: dealloc("late")}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return freed["sent"] == 1 && freed["late"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// An idle IO fires OnTimeout exactly once, then OnClose.
func TestReactor_TimeoutFiresOnceBeforeClose(t *testing.T) {
	r := startReactor(t)
	fd, _ := socketPair(t)

	rec := newRecorder()
	ioObj, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)
	ioObj.SetTimeout(1)

	select {
	case <-rec.closed:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout never closed the io")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.timeouts)
}

func TestReactor_PeerEOFClosesIO(t *testing.T) {
	r := startReactor(t)
	fd, peer := socketPair(t)

	rec := newRecorder()
	_, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)

	require.NoError(t, peer.Close())
	select {
	case <-rec.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("EOF did not close the io")
	}
}

func TestReactor_FileRangeWrite(t *testing.T) {
	r := startReactor(t)
	fd, peer := socketPair(t)

	rec := newRecorder()
	ioObj, err := r.Attach(fd, rec, nil)
	require.NoError(t, err)

	f, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = f.WriteString("0123456789")
	require.NoError(t, err)

	require.NoError(t, ioObj.WriteFile(f, 2, 5, reactor.WriteOpts{}))
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 5)
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "23456", string(buf))
}

// Graceful shutdown delivers OnShutdown to every protocol and closes
// every connection within the drain window.
func TestReactor_GracefulShutdown(t *testing.T) {
	r, err := reactor.New(reactor.Options{DrainWindow: 2 * time.Second})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run() }()

	const conns = 4
	recs := make([]*shutdownRecorder, conns)
	peers := make([]net.Conn, conns)
	for i := range recs {
		fd, peer := socketPair(t)
		peers[i] = peer
		recs[i] = &shutdownRecorder{closed: make(chan struct{})}
		_, err := r.Attach(fd, recs[i], nil)
		require.NoError(t, err)
	}

	r.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("shutdown never completed")
	}
	for i, rec := range recs {
		assert.True(t, rec.shutdown, "conn %d missed OnShutdown", i)
		select {
		case <-rec.closed:
		default:
			t.Fatalf("conn %d never closed", i)
		}
		// The goodbye write drained before the close.
		buf := make([]byte, 16)
		_ = peers[i].SetReadDeadline(time.Now().Add(time.Second))
		n, _ := peers[i].Read(buf)
		assert.Equal(t, "goodbye", string(buf[:n]))
	}
}

type shutdownRecorder struct {
	reactor.ProtocolDefaults
	shutdown bool
	closed   chan struct{}
}

func (p *shutdownRecorder) OnShutdown(io *reactor.IO) {
	p.shutdown = true
	_ = io.Write([]byte("goodbye"), reactor.WriteOpts{Finish: true})
}

func (p *shutdownRecorder) OnClose(*reactor.IO) { close(p.closed) }
