package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first descriptor a socket-activating supervisor hands over.
const listenFDsStart = 3

// listen returns the socket the build trigger serves on. A socket passed in
// through LISTEN_PID/LISTEN_FDS wins over addr, so a supervisor can own the
// port and start simplebundler on the first request.
func listen(addr string) (net.Listener, bool, error) {
	ln, err := inheritedListener()
	if err != nil {
		return nil, false, err
	}
	if ln != nil {
		return ln, true, nil
	}

	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// inheritedListener returns the first activated socket, or nil when the
// environment does not name this process.
func inheritedListener() (net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return nil, nil
	}
	if count > 1 {
		return nil, fmt.Errorf("expected one activated socket, got %d", count)
	}

	file := os.NewFile(uintptr(listenFDsStart), "simplebundler-trigger")
	if file == nil {
		return nil, fmt.Errorf("failed to open activated fd %d", listenFDsStart)
	}
	defer func() {
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to use activated fd %d: %w", listenFDsStart, err)
	}

	// Pipelines started with os/exec must not see the variables.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return ln, nil
}
