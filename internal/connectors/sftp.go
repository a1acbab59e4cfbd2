package connectors

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpDestination struct {
	addr     string
	user     string
	password string
	keyPath  string
	baseDir  string
}

func NewSFTPDestination() (Destination, error) {
	host := os.Getenv("SFTP_HOST")
	user := os.Getenv("SFTP_USER")
	if host == "" || user == "" {
		return nil, fmt.Errorf("SFTP_HOST and SFTP_USER required for the sftp destination")
	}
	port := os.Getenv("SFTP_PORT")
	if port == "" {
		port = "22"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return nil, fmt.Errorf("invalid sftp port: %w", err)
	}
	return &sftpDestination{
		addr:     net.JoinHostPort(host, port),
		user:     user,
		password: os.Getenv("SFTP_PASSWORD"),
		keyPath:  os.Getenv("SFTP_KEY_PATH"),
		baseDir:  os.Getenv("SFTP_BASE_DIR"),
	}, nil
}

func (s *sftpDestination) Name() string {
	return "sftp"
}

func (s *sftpDestination) Store(ctx context.Context, obj Object) error {
	client, err := s.newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	// the sftp client has no context support; closing it unblocks the copy
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	remotePath := objectKey(s.baseDir, obj)
	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("sftp mkdir: %w", err)
	}
	f, err := client.OpenFile(remotePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("sftp open: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, obj.Body); err != nil {
		return fmt.Errorf("sftp write: %w", err)
	}
	return nil
}

func (s *sftpDestination) newClient() (*sftp.Client, error) {
	auths := []ssh.AuthMethod{}
	if s.keyPath != "" {
		key, err := os.ReadFile(s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if s.password != "" {
		auths = append(auths, ssh.Password(s.password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sftp destination requires password or key")
	}
	cfg := ssh.ClientConfig{
		User:            s.user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	conn, err := ssh.Dial("tcp", s.addr, &cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial: %w", err)
	}
	return sftp.NewClient(conn)
}
