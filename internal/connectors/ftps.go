package connectors

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/secsy/goftp"
)

type ftpsDestination struct {
	config  goftp.Config
	addr    string
	baseDir string
}

func NewFTPSDestination() (Destination, error) {
	host := os.Getenv("FTPS_HOST")
	user := os.Getenv("FTPS_USER")
	pw := os.Getenv("FTPS_PASSWORD")
	if host == "" || user == "" || pw == "" {
		return nil, fmt.Errorf("FTPS_HOST/FTPS_USER/FTPS_PASSWORD required for the ftps destination")
	}
	port := os.Getenv("FTPS_PORT")
	if port == "" {
		port = "21"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid ftps port: %w", err)
	}
	return &ftpsDestination{
		config: goftp.Config{
			User:               user,
			Password:           pw,
			TLSConfig:          &tls.Config{InsecureSkipVerify: true}, // rely on network ACLs for now
			TLSMode:            goftp.TLSExplicit,
			Timeout:            30 * time.Second,
			ConnectionsPerHost: 1,
		},
		addr:    net.JoinHostPort(host, port),
		baseDir: os.Getenv("FTPS_BASE_DIR"),
	}, nil
}

func (f *ftpsDestination) Name() string {
	return "ftps"
}

func (f *ftpsDestination) Store(ctx context.Context, obj Object) error {
	client, err := goftp.DialConfig(f.config, f.addr)
	if err != nil {
		return fmt.Errorf("ftps dial: %w", err)
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	targetPath := objectKey(f.baseDir, obj)
	if err := ensureDir(client, path.Dir(targetPath)); err != nil {
		return err
	}
	if err := client.Store(targetPath, obj.Body); err != nil {
		return fmt.Errorf("ftps store: %w", err)
	}
	return nil
}

func ensureDir(client *goftp.Client, dir string) error {
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	current := ""
	for _, segment := range strings.Split(dir, "/") {
		if segment == "" {
			continue
		}
		current = path.Join(current, segment)
		if _, err := client.Mkdir(current); err != nil {
			if !strings.Contains(strings.ToLower(err.Error()), "file exists") {
				return fmt.Errorf("ftps mkdir %s: %w", current, err)
			}
		}
	}
	return nil
}
