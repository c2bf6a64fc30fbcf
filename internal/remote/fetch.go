package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// PullFile downloads one remote file via SFTP.
func PullFile(ctx context.Context, client *xssh.Client, remotePath, localPath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	return pullOne(sf, remotePath, localPath)
}

// PushFile uploads one local file via SFTP, creating remote directories as
// needed.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// PullDir mirrors a remote directory tree into localDir and returns the
// number of files pulled.
func PullDir(ctx context.Context, client *xssh.Client, remoteDir, localDir string) (int, error) {
	sf, err := sftp.NewClient(client)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	count := 0
	walker := sf.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return count, fmt.Errorf("walk %s: %w", remoteDir, err)
		}
		if walker.Stat().IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			return count, fmt.Errorf("relativize %s: %w", walker.Path(), err)
		}
		local := filepath.Join(localDir, rel)
		if err := pullOne(sf, walker.Path(), local); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func pullOne(sf *sftp.Client, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0700); err != nil {
		return fmt.Errorf("mkdir local: %w", err)
	}
	src, err := sf.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// Fetcher pulls a run's generated outputs from the instance, verifying
// each file's checksum against the remote side.
type Fetcher struct {
	client *Client
}

func NewFetcher(client *Client) *Fetcher { return &Fetcher{client: client} }

// FetchOutputs mirrors remoteDir into localDir and verifies every pulled
// file against a remotely computed SHA-256.
func (f *Fetcher) FetchOutputs(ctx context.Context, remoteDir, localDir string) (int, error) {
	cli, err := Dial(ctx, f.client)
	if err != nil {
		return 0, fmt.Errorf("connect instance: %w", err)
	}
	defer cli.Close()

	n, err := PullDir(ctx, cli, remoteDir, localDir)
	if err != nil {
		return n, err
	}
	if err := f.verify(ctx, remoteDir, localDir); err != nil {
		return n, err
	}
	log.Info().Int("files", n).Str("remote", remoteDir).Str("local", localDir).
		Msg("outputs fetched")
	return n, nil
}

// Transfer copies explicit files over a single connection. Each push is a
// [local, remote] pair and each pull a [remote, local] pair.
func (f *Fetcher) Transfer(ctx context.Context, pushes, pulls [][2]string) error {
	cli, err := Dial(ctx, f.client)
	if err != nil {
		return fmt.Errorf("connect instance: %w", err)
	}
	defer cli.Close()

	for _, p := range pushes {
		if err := PushFile(ctx, cli, p[0], p[1]); err != nil {
			return fmt.Errorf("push %s: %w", p[0], err)
		}
		log.Info().Str("local", p[0]).Str("remote", p[1]).Msg("pushed")
	}
	for _, p := range pulls {
		if err := PullFile(ctx, cli, p[0], p[1]); err != nil {
			return fmt.Errorf("pull %s: %w", p[0], err)
		}
		log.Info().Str("remote", p[0]).Str("local", p[1]).Msg("pulled")
	}
	return nil
}

// verify compares local SHA-256 sums against the remote sha256sum output
// for the whole directory.
func (f *Fetcher) verify(ctx context.Context, remoteDir, localDir string) error {
	out, err := f.client.RunCommand(ctx,
		fmt.Sprintf("cd %s && find . -type f -exec sha256sum {} +", remoteDir))
	if err != nil {
		return fmt.Errorf("remote checksums: %w", err)
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		want, rel := fields[0], strings.TrimPrefix(fields[1], "./")
		got, err := fileChecksum(filepath.Join(localDir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("checksum %s: %w", rel, err)
		}
		if got != want {
			return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", rel, want, got)
		}
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
