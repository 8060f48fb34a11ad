package edge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/beam/internal/certs"
	"github.com/zsiec/beam/internal/metrics"
	"github.com/zsiec/beam/internal/store"
	"github.com/zsiec/beam/internal/stream"
)

// DefaultBlockTimeout bounds a blocking playlist reload.
const DefaultBlockTimeout = 10 * time.Second

// RoomLister returns the live rooms for /api/rooms.
type RoomLister interface {
	List() []*stream.Room
}

// ServerConfig configures the edge Server.
type ServerConfig struct {
	// Addr is the TCP listen address for HTTP/1.1 and HTTP/2.
	Addr string
	// H3Addr is the UDP listen address for HTTP/3. Empty disables it.
	H3Addr string
	// Cert is required when H3Addr is set.
	Cert *certs.CertInfo

	Media  store.Store
	Meta   store.Store
	Fanout *Fanout[stream.SegmentRef]
	Rooms  RoomLister

	// BlockTimeout bounds _HLS_msn blocking reloads.
	BlockTimeout time.Duration
	Metrics      *metrics.Metrics
}

// Server serves HLS playlists and segments from the stores, the room list
// and Prometheus metrics, over HTTP and optionally HTTP/3.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer creates an edge Server. It returns an error if required fields
// are missing. If log is nil, slog.Default() is used.
func NewServer(config ServerConfig, log *slog.Logger) (*Server, error) {
	if config.Media == nil || config.Meta == nil {
		return nil, errors.New("edge: Media and Meta stores are required")
	}
	if config.H3Addr != "" && config.Cert == nil {
		return nil, errors.New("edge: Cert is required for HTTP/3")
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "edge")}, nil
}

// Handler returns the HTTP handler shared by both listeners.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /hls/{room}/index.m3u8", s.handleMultivariant)
	mux.HandleFunc("GET /hls/{room}/{rendition}/index.m3u8", s.handleMediaPlaylist)
	mux.HandleFunc("GET /hls/{room}/{rendition}/{file...}", s.handleObject)
	mux.HandleFunc("GET /api/rooms", s.handleListRooms)
	if s.config.Metrics != nil {
		mux.Handle("GET /metrics", s.config.Metrics.Handler())
	}
	return corsMiddleware(s.altSvcMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// altSvcMiddleware advertises the HTTP/3 listener on TCP responses.
func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.h3 != nil && r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("set Alt-Svc", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writePlaylist(w http.ResponseWriter, body string, live bool) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	if live {
		w.Header().Set("Cache-Control", "max-age=1")
	} else {
		w.Header().Set("Cache-Control", "max-age=3600")
	}
	w.Write([]byte(body))
}

// Start serves until ctx is cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler()
	g, ctx := errgroup.WithContext(ctx)

	if s.config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      s.config.H3Addr,
			Handler:   handler,
			TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
		g.Go(func() error {
			s.log.Info("HTTP/3 edge listening", "addr", s.config.H3Addr)
			stop := context.AfterFunc(ctx, func() { s.h3.Close() })
			defer stop()
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("edge: http3: %w", err)
		})
	}

	if s.config.Addr != "" {
		srv := &http.Server{
			Addr:              s.config.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			s.log.Info("HTTP edge listening", "addr", s.config.Addr)
			stop := context.AfterFunc(ctx, func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			})
			defer stop()
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("edge: http: %w", err)
		})
	}
	return g.Wait()
}

func (s *Server) loadRendition(ctx context.Context, room, rendition string) (*stream.Rendition, error) {
	data, err := s.config.Meta.Get(ctx, stream.IndexKey(room, rendition))
	if err != nil {
		return nil, err
	}
	return stream.UnmarshalRendition(data)
}

func (s *Server) handleMultivariant(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	keys, err := s.config.Meta.List(r.Context(), stream.RoomPrefix(room))
	if err != nil {
		s.log.Warn("list renditions", "room", room, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rendition index unavailable")
		return
	}

	var renditions []*stream.Rendition
	ended := true
	for _, key := range keys {
		kroom, name, ok := stream.ParseIndexKey(key)
		if !ok || kroom != room {
			continue
		}
		rend, err := s.loadRendition(r.Context(), room, name)
		if err != nil {
			s.log.Warn("load rendition", "room", room, "rendition", name, "error", err)
			continue
		}
		ended = ended && rend.Ended
		renditions = append(renditions, rend)
	}
	sort.Slice(renditions, func(i, j int) bool { return renditions[i].Name < renditions[j].Name })

	playlist, ok := MultivariantPlaylist(renditions)
	if !ok {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	writePlaylist(w, playlist, !ended)
}

func (s *Server) handleMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	room, name := r.PathValue("room"), r.PathValue("rendition")

	var msn int64 = -1
	if v := r.URL.Query().Get("_HLS_msn"); v != "" {
		n, err := strconv.ParseUint(v, 10, 63)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid _HLS_msn")
			return
		}
		msn = int64(n)
	}

	rend, err := s.awaitRendition(r.Context(), room, name, msn)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rendition not found")
		return
	}
	if err != nil {
		s.log.Warn("load rendition", "room", room, "rendition", name, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rendition index unavailable")
		return
	}
	if msn > rend.LastSequence()+2 && !rend.Ended {
		writeError(w, http.StatusBadRequest, "_HLS_msn is too far in the future")
		return
	}
	writePlaylist(w, MediaPlaylist(rend), !rend.Ended)
}

// awaitRendition loads the rendition index, waiting on the segment topic
// until it holds media sequence msn, the rendition ends, or the block
// timeout passes. msn < 0 does not wait.
func (s *Server) awaitRendition(ctx context.Context, room, name string, msn int64) (*stream.Rendition, error) {
	rend, err := s.loadRendition(ctx, room, name)
	if err != nil || msn < 0 || rend.Ended || rend.LastSequence() >= msn || s.config.Fanout == nil {
		return rend, err
	}
	if msn > rend.LastSequence()+2 {
		return rend, nil
	}

	_, _, rx := s.config.Fanout.Subscribe(stream.SegmentTopic(room, name))
	defer rx.Close()

	// The index may have moved between the first load and Subscribe.
	if rend, err = s.loadRendition(ctx, room, name); err != nil || rend.Ended || rend.LastSequence() >= msn {
		return rend, err
	}

	timer := time.NewTimer(s.config.BlockTimeout)
	defer timer.Stop()
	for {
		select {
		case _, open := <-rx.C():
			if rend, err = s.loadRendition(ctx, room, name); err != nil || rend.Ended || rend.LastSequence() >= msn {
				return rend, err
			}
			if !open {
				return rend, nil
			}
		case <-timer.C:
			return s.loadRendition(ctx, room, name)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	room, name, file := r.PathValue("room"), r.PathValue("rendition"), r.PathValue("file")
	key := path.Clean(stream.RenditionPrefix(room, name) + file)
	if !strings.HasPrefix(key, stream.RenditionPrefix(room, name)) {
		writeError(w, http.StatusBadRequest, "invalid path")
		return
	}
	var contentType string
	switch {
	case strings.HasSuffix(file, ".m4s"):
		contentType = "video/iso.segment"
	case strings.HasSuffix(file, ".mp4"):
		contentType = "video/mp4"
	default:
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	data, err := s.config.Media.Get(r.Context(), key)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidKey) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.log.Warn("read object", "key", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, "media store unavailable")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Write(data)
}

// roomView is the JSON form of a room in /api/rooms.
type roomView struct {
	*stream.Room
	Status stream.RoomStatus `json:"status"`
}

func (s *Server) handleListRooms(w http.ResponseWriter, _ *http.Request) {
	resp := make([]roomView, 0)
	if s.config.Rooms != nil {
		for _, room := range s.config.Rooms.List() {
			resp = append(resp, roomView{Room: room, Status: room.Status()})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
