package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"trackup/pkg/config"
	"trackup/pkg/logger"
	"trackup/pkg/publisher"
	"trackup/pkg/task"
	"trackup/pkg/upload"
)

func main() {
	var (
		configPath = flag.String("config", "/etc/trackup/config.toml", "path to config file")
		kind       = flag.String("kind", "", "protocol: FTP, FTPS, SFTP or SSH")
		host       = flag.String("host", "", "server host name")
		port       = flag.Int("port", 0, "server port (defaults to the protocol port)")
		user       = flag.String("user", "", "login name")
		password   = flag.String("password", "", "login password")
		keyPath    = flag.String("key", "", "path to the SSH private key")
		passphrase = flag.String("passphrase", "", "passphrase of the SSH private key")
		hostKey    = flag.String("host-key", "", "pinned SSH host key, base64 wire form")
		requireKey = flag.Bool("require-host-key", false, "refuse SSH servers without a pinned key")
		remoteDir  = flag.String("remote-dir", "", "destination directory on the server")
		file       = flag.String("file", "", "local file to upload")
		remoteName = flag.String("remote-name", "", "file name on the server (defaults to the local name)")
		tlsProto   = flag.String("tls-protocol", "", "FTPS protocol: TLS, SSL, TLSv1.2 or TLSv1.3")
		implicit   = flag.Bool("implicit", false, "use implicit FTPS")
		cancelTag  = flag.String("cancel", "", "cancel the task with this tag instead of submitting")
		stateTag   = flag.String("state", "", "print the state of the task with this tag")
	)
	flag.Parse()

	config, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", map[string]any{
			"config_path": *configPath,
			"error":       err.Error(),
		})
	}

	logger.SetDefaultLevel(logger.ParseLevel(config.Daemon.LogLevel))

	redisOpt := config.Redis.AsynqOpt()
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	redisClient := redis.NewClient(config.Redis.Options())
	defer redisClient.Close()

	states := task.NewStateStore(redisClient, config.Daemon.StateRetention())
	pub := publisher.NewPublisher(client, inspector, states, config)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch {
	case *cancelTag != "":
		if err := pub.Cancel(ctx, *cancelTag); err != nil {
			logger.Fatal("failed to cancel task", map[string]any{
				"tag":   *cancelTag,
				"error": err.Error(),
			})
		}
		logger.Info("task cancelled", map[string]any{"tag": *cancelTag})
		return

	case *stateTag != "":
		rec, err := pub.State(ctx, *stateTag)
		if err != nil {
			logger.Fatal("failed to read task state", map[string]any{
				"tag":   *stateTag,
				"error": err.Error(),
			})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			logger.Fatal("failed to print task state", map[string]any{"error": err.Error()})
		}
		return
	}

	req := &upload.Request{
		Kind:                 upload.Kind(*kind),
		Host:                 *host,
		Port:                 *port,
		Username:             *user,
		Password:             *password,
		PrivateKeyPath:       *keyPath,
		PrivateKeyPassphrase: *passphrase,
		HostKey:              *hostKey,
		RequireHostKey:       *requireKey,
		TLSProtocol:          *tlsProto,
		Implicit:             *implicit,
		RemoteDir:            *remoteDir,
		LocalPath:            *file,
		RemoteName:           *remoteName,
	}
	if req.Port == 0 {
		req.Port = defaultPort(req.Kind, req.Implicit)
	}

	result, err := pub.Submit(ctx, req)
	if err != nil {
		logger.Fatal("failed to submit upload", map[string]any{
			"kind":  *kind,
			"file":  *file,
			"error": err.Error(),
		})
	}

	logger.Info("upload submitted", map[string]any{
		"tag":      result.Tag,
		"enqueued": result.Enqueued,
	})
}

func defaultPort(kind upload.Kind, implicit bool) int {
	switch {
	case kind.UsesSSH():
		return 22
	case kind == upload.KindFTPS && implicit:
		return 990
	default:
		return 21
	}
}
