package natsx

import (
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"github.com/sirupsen/logrus"

	"github.com/qollective/qollective-go/pkg/config"
	"github.com/qollective/qollective-go/pkg/qerrors"
	"github.com/qollective/qollective-go/pkg/utils"
)

// Connect dials the broker with the configured identity, reconnect policy
// and authentication. Client and server sides share the returned
// connection; the caller owns its lifecycle.
func Connect(cfg config.NatsConfig, logger *logrus.Logger) (*nats.Conn, error) {
	log := utils.ComponentLogger(utils.EnsureLogger(logger), "nats")

	url := cfg.Connection.URL
	if url == "" {
		url = config.DefaultNatsURL
	}
	name := cfg.Connection.Name
	if name == "" {
		name = config.DefaultNatsName
	}
	connectTimeout := cfg.Connection.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = config.DefaultConnectTimeout
	}
	reconnectWait := cfg.Connection.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = config.DefaultReconnectWait
	}
	maxReconnects := cfg.Connection.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = config.DefaultMaxReconnects
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	authOpt, err := authOption(cfg.Auth)
	if err != nil {
		return nil, err
	}
	if authOpt != nil {
		opts = append(opts, authOpt)
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, qerrors.TransportKind(qerrors.KindNatsConnection, url, "connect failed", err)
	}

	log.WithFields(logrus.Fields{
		"url":  nc.ConnectedUrl(),
		"name": name,
	}).Info("Connected to NATS")
	return nc, nil
}

// authOption maps the exclusive auth config onto a client option. Config
// validation has already rejected ambiguous combinations.
func authOption(auth config.NatsAuthConfig) (nats.Option, error) {
	switch {
	case auth.Token != "":
		return nats.Token(auth.Token), nil
	case auth.Username != "":
		return nats.UserInfo(auth.Username, auth.Password), nil
	case auth.NKeyFile != "":
		opt, err := nats.NkeyOptionFromSeed(auth.NKeyFile)
		if err != nil {
			return nil, qerrors.TransportKind(qerrors.KindNatsAuth, auth.NKeyFile, "load nkey seed file", err)
		}
		return opt, nil
	case auth.NKeySeed != "":
		kp, err := nkeys.FromSeed([]byte(auth.NKeySeed))
		if err != nil {
			return nil, qerrors.TransportKind(qerrors.KindNatsAuth, "", "parse nkey seed", err)
		}
		pub, err := kp.PublicKey()
		if err != nil {
			return nil, qerrors.TransportKind(qerrors.KindNatsAuth, "", "derive nkey public key", err)
		}
		return nats.Nkey(pub, kp.Sign), nil
	}
	return nil, nil
}
