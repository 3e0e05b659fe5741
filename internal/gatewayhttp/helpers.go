package gatewayhttp

import (
	"io"
	"net"

	"github.com/nmxmxh/morphis-overlay/internal/overlayerr"
)

func netListen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, overlayerr.Wrap(err, "gatewayhttp: listen")
	}
	return ln, nil
}

// readAllLimited reads at most max+1 bytes from r, erroring if the upload exceeds max so the
// gateway never buffers an unbounded body in memory.
func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, overlayerr.New("gatewayhttp: upload exceeds maximum datastore size")
	}
	return data, nil
}
