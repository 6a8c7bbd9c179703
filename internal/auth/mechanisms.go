package auth

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"

	"github.com/xdg-go/scram"

	"github.com/mongocore/mongocore/internal/wire"
)

// scramAuth runs the SCRAM exchange over saslStart/saslContinue commands,
// using github.com/xdg-go/scram for the client-side conversation state
// machine — the real mongo-go-driver dependency (confirmed via the
// retrieved manifests), rather than hand-rolling PBKDF2/HMAC as the
// teacher's Postgres-specific scram.go does.
func scramAuth(ctx context.Context, conn *wire.Conn, send SendFunc, cred Credential, hashFn scram.HashGeneratorFcn) error {
	client, err := hashFn.NewClient(cred.Username, cred.Secret, "")
	if err != nil {
		return fmt.Errorf("scram: building client: %w", err)
	}
	conv := client.NewConversation()

	mechanism := "SCRAM-SHA-1"
	if sameHash(hashFn, scram.SHA256) {
		mechanism = "SCRAM-SHA-256"
	}

	payload, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("scram: initial step: %w", err)
	}

	var reply struct {
		ConversationID int    `bson:"conversationId"`
		Done           bool   `bson:"done"`
		Payload        []byte `bson:"payload"`
		Ok             float64 `bson:"ok"`
	}
	startCmd := map[string]any{
		"saslStart":    1,
		"mechanism":    mechanism,
		"payload":      []byte(payload),
		"autoAuthorize": 1,
	}
	if err := send(ctx, conn, cred.Source, startCmd, &reply); err != nil {
		return err
	}
	if reply.Ok != 1 {
		return &OperationFailure{Msg: "SCRAM saslStart failed"}
	}

	for !reply.Done {
		payload, err = conv.Step(string(reply.Payload))
		if err != nil {
			return fmt.Errorf("scram: step: %w", err)
		}
		continueCmd := map[string]any{
			"saslContinue":   1,
			"conversationId": reply.ConversationID,
			"payload":        []byte(payload),
		}
		reply = struct {
			ConversationID int     `bson:"conversationId"`
			Done           bool    `bson:"done"`
			Payload        []byte  `bson:"payload"`
			Ok             float64 `bson:"ok"`
		}{}
		if err := send(ctx, conn, cred.Source, continueCmd, &reply); err != nil {
			return err
		}
		if reply.Ok != 1 {
			return &OperationFailure{Msg: "SCRAM saslContinue failed"}
		}
	}

	if !conv.Done() || !conv.Valid() {
		return &OperationFailure{Msg: "SCRAM conversation did not complete validly"}
	}
	return nil
}

func sameHash(a, b scram.HashGeneratorFcn) bool {
	ha, hb := a(), b()
	return hashName(ha) == hashName(hb)
}

func hashName(h hash.Hash) string {
	switch h.Size() {
	case sha1.Size:
		return "sha1"
	case sha256.Size:
		return "sha256"
	default:
		return "unknown"
	}
}

// plainAuth implements the SASL PLAIN mechanism, grounded on
// vlean-mgo/auth.go's loginPlain: a single saslStart carrying the
// "\x00user\x00pass" payload, marked done immediately.
func plainAuth(ctx context.Context, conn *wire.Conn, send SendFunc, cred Credential) error {
	payload := []byte("\x00" + cred.Username + "\x00" + cred.Secret)
	var reply struct {
		Ok float64 `bson:"ok"`
	}
	cmd := map[string]any{
		"saslStart": 1,
		"mechanism": "PLAIN",
		"payload":   payload,
	}
	if err := send(ctx, conn, cred.Source, cmd, &reply); err != nil {
		return err
	}
	if reply.Ok != 1 {
		return &OperationFailure{Msg: "PLAIN authentication failed"}
	}
	return nil
}

// x509Auth implements MONGODB-X509, grounded on vlean-mgo/auth.go's
// loginX509: the client certificate's subject DN (carried in cred.Username
// by the caller) is asserted against the "$external" source.
func x509Auth(ctx context.Context, conn *wire.Conn, send SendFunc, cred Credential) error {
	var reply struct {
		Ok float64 `bson:"ok"`
	}
	cmd := map[string]any{
		"authenticate": 1,
		"mechanism":    "MONGODB-X509",
		"user":         cred.Username,
	}
	if err := send(ctx, conn, "$external", cmd, &reply); err != nil {
		return err
	}
	if reply.Ok != 1 {
		return &OperationFailure{Msg: "MONGODB-X509 authentication failed"}
	}
	return nil
}
