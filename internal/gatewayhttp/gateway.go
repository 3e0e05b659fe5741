// Package gatewayhttp implements the HTTP gateway described in spec §6.3: plain GET/POST routes
// that translate into lookup-engine traversals, with no authentication or mutable-key support.
package gatewayhttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nmxmxh/morphis-overlay/internal/blockstore"
	"github.com/nmxmxh/morphis-overlay/internal/log"
	"github.com/nmxmxh/morphis-overlay/internal/lookup"
	"github.com/nmxmxh/morphis-overlay/internal/overlayid"
)

// Timeouts the spec fixes for the two request shapes the gateway serves (§5 "Timeouts").
const (
	getTimeout  = 15 * time.Second
	postTimeout = 30 * time.Second
)

// Server is the HTTP front door onto one node's lookup engine and content store.
type Server struct {
	addr    string
	engine  *lookup.Engine
	blocks  *blockstore.Store
	log     *log.Logger
	httpSrv *http.Server
}

// NewServer builds a gateway bound to addr, routing GET/POST through engine and blocks.
func NewServer(addr string, engine *lookup.Engine, blocks *blockstore.Store) *Server {
	s := &Server{addr: addr, engine: engine, blocks: blocks, log: log.Default("gatewayhttp")}
	mux := http.NewServeMux()
	mux.HandleFunc("/get/", s.handleGetBase58)
	mux.HandleFunc("/upload", s.handleUpload)
	mux.HandleFunc("/", s.handleRoot)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background. Listen errors surface synchronously; serve errors after
// that point are logged, matching the fire-and-forget pattern the rest of the node uses for its
// background loops.
func (s *Server) Start() error {
	ln, err := netListen(s.addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("gatewayhttp: serve exited", log.Err(err))
		}
	}()
	s.log.Info("gatewayhttp: listening", log.String("address", s.addr))
	return nil
}

// Stop shuts the HTTP server down, letting in-flight requests finish within the bound.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// handleRoot serves GET /{128-hex} (content retrieval); a non-GET method or a path that is not a
// 128-hex data key gets a 400.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/upload" && r.Method == http.MethodGet {
		s.handleUploadForm(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	hexKey := r.URL.Path[1:]
	dataKey, err := overlayid.FromHex(hexKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed data key")
		return
	}
	s.serveContent(w, r, dataKey)
}

// handleGetBase58 implements GET /get/{base58 key} -> 301 to the hex form.
func (s *Server) handleGetBase58(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}
	encoded := r.URL.Path[len("/get/"):]
	raw, err := base58.Decode(encoded)
	if err != nil || len(raw) != overlayid.Size {
		writeError(w, http.StatusBadRequest, "malformed base58 key")
		return
	}
	var dataKey overlayid.ID
	copy(dataKey[:], raw)
	http.Redirect(w, r, "/"+dataKey.String(), http.StatusMovedPermanently)
}

// serveContent resolves data_id = H(data_key) and runs the GET traversal, responding with the
// sniffed content type on success.
func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, dataKey overlayid.ID) {
	dataID := overlayid.Hash(dataKey[:])

	ctx, cancel := context.WithTimeout(r.Context(), getTimeout)
	defer cancel()

	plaintext, found, err := s.engine.GetData(ctx, dataID, dataKey)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusRequestTimeout, "lookup timed out")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	w.Header().Set("Content-Type", sniffContentType(plaintext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(plaintext)
}

// handleUploadForm serves the minimal static form the spec names as GET /upload.
func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uploadFormHTML))
}

const uploadFormHTML = `<!doctype html>
<html><body>
<form method="POST" action="/upload" enctype="multipart/form-data">
<input type="file" name="file">
<input type="submit" value="Upload">
</form>
</body></html>`

// handleUpload implements /upload: GET serves the static form; POST stores the uploaded file,
// propagates it to willing peers, and hands back both the hex and base58 links for it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.handleUploadForm(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), postTimeout)
	defer cancel()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := readAllLimited(file, s.blocks.MaxDataBytes())
	if err != nil {
		writeError(w, http.StatusBadRequest, "file too large or unreadable")
		return
	}

	result, err := s.engine.StoreData(ctx, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusRequestTimeout, "store timed out")
			return
		}
		writeError(w, http.StatusInternalServerError, "store failed")
		return
	}

	hexLink := "/" + result.DataKey.String()
	b58Link := "/get/" + base58.Encode(result.DataKey[:])

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(hexLink + "\n" + b58Link + "\n"))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

// sniffContentType applies the spec's fixed-prefix MIME table, falling back to HTML for anything
// it doesn't recognize.
func sniffContentType(data []byte) string {
	switch {
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return "image/jpeg"
	case len(data) >= 8 && string(data[1:4]) == "PNG":
		return "image/png"
	case len(data) >= 5 && string(data[:5]) == "GIF89":
		return "image/gif"
	default:
		return "text/html; charset=utf-8"
	}
}
