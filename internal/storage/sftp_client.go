package storage

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/deployd/agent/pkg/config"
	"github.com/deployd/agent/pkg/logger"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPClient mirrors backup archives to an off-site SFTP storage box
type SFTPClient struct {
	host        string
	port        int
	user        string
	password    string
	basePath    string
	idleTimeout time.Duration

	mu         sync.Mutex
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	lastUsed   time.Time
}

// NewSFTPClient creates a lazily connecting SFTP client
func NewSFTPClient(cfg *config.Config) (*SFTPClient, error) {
	if !cfg.StorageBoxEnabled {
		return nil, fmt.Errorf("storage box not enabled in configuration")
	}
	if cfg.StorageBoxHost == "" || cfg.StorageBoxUser == "" || cfg.StorageBoxPassword == "" {
		return nil, fmt.Errorf("storage box credentials missing in configuration")
	}

	return &SFTPClient{
		host:        cfg.StorageBoxHost,
		port:        cfg.StorageBoxPort,
		user:        cfg.StorageBoxUser,
		password:    cfg.StorageBoxPassword,
		basePath:    cfg.StorageBoxPath,
		idleTimeout: 5 * time.Minute,
	}, nil
}

// connect must be called with c.mu held
func (c *SFTPClient) connect() error {
	if c.sftpClient != nil && time.Since(c.lastUsed) > c.idleTimeout {
		logger.Info("SFTP: Connection idle too long, reconnecting", map[string]interface{}{
			"idle_duration": time.Since(c.lastUsed).Round(time.Second),
		})
		c.closeLocked()
	}
	if c.sftpClient != nil {
		c.lastUsed = time.Now()
		return nil
	}

	sshConfig := &ssh.ClientConfig{
		User:            c.user,
		Auth:            []ssh.AuthMethod{ssh.Password(c.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // storage boxes rotate self-signed host keys
		Timeout:         30 * time.Second,
	}

	address := fmt.Sprintf("%s:%d", c.host, c.port)
	logger.Info("SFTP: Connecting to storage box", map[string]interface{}{
		"host": c.host,
		"port": c.port,
		"user": c.user,
	})

	sshClient, err := ssh.Dial("tcp", address, sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to SSH server: %w", err)
	}
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}

	c.sshClient = sshClient
	c.sftpClient = sftpClient
	c.lastUsed = time.Now()

	if err := c.sftpClient.MkdirAll(c.basePath); err != nil {
		logger.Warn("SFTP: Failed to create base path", map[string]interface{}{
			"path":  c.basePath,
			"error": err.Error(),
		})
	}
	return nil
}

// Close closes the SFTP and SSH connections
func (c *SFTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *SFTPClient) closeLocked() {
	if c.sftpClient != nil {
		c.sftpClient.Close()
		c.sftpClient = nil
	}
	if c.sshClient != nil {
		c.sshClient.Close()
		c.sshClient = nil
	}
}

// Upload copies a local file to <base>/<remoteName> and returns the remote path
func (c *SFTPClient) Upload(localPath, remoteName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return "", err
	}

	localFile, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	remotePath := path.Join(c.basePath, filepath.ToSlash(remoteName))
	if err := c.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}

	remoteFile, err := c.sftpClient.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	start := time.Now()
	written, err := io.Copy(remoteFile, localFile)
	if err != nil {
		return "", fmt.Errorf("failed to upload file: %w", err)
	}

	logger.Info("SFTP: Upload completed", map[string]interface{}{
		"remote_path": remotePath,
		"bytes":       written,
		"duration":    time.Since(start).Round(time.Millisecond),
	})
	return remotePath, nil
}

// Download copies a remote file to localPath
func (c *SFTPClient) Download(remotePath, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return err
	}

	remoteFile, err := c.sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	localFile, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	written, err := io.Copy(localFile, remoteFile)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}

	logger.Info("SFTP: Download completed", map[string]interface{}{
		"remote_path": remotePath,
		"local_path":  localPath,
		"bytes":       written,
	})
	return nil
}

// Delete removes a remote file; a missing file is not an error.
func (c *SFTPClient) Delete(remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return err
	}

	if err := c.sftpClient.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete remote file: %w", err)
	}
	logger.Info("SFTP: File deleted", map[string]interface{}{
		"remote_path": remotePath,
	})
	return nil
}
