// Command paxctl is the operator and client CLI for a paxosrep cluster:
// it submits client requests over the wire protocol's length-prefixed
// framing, and drives the admin HTTP surface for status and operator
// actions.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ruvnet/paxosrep/internal/wire"
)

var (
	replicaAddr string
	adminAddr   string
	token       string
)

var rootCmd = &cobra.Command{
	Use:   "paxctl",
	Short: "Command-line client for a paxosrep replica",
}

var putCmd = &cobra.Command{
	Use:   "put [clientID] [seq] [payload]",
	Short: "Submit a client request directly to a replica over the wire protocol",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var clientID int64
		var seq int32
		if _, err := fmt.Sscanf(args[0], "%d", &clientID); err != nil {
			return fmt.Errorf("invalid clientID: %w", err)
		}
		if _, err := fmt.Sscanf(args[1], "%d", &seq); err != nil {
			return fmt.Errorf("invalid seq: %w", err)
		}

		reply, err := submit(replicaAddr, clientID, seq, []byte(args[2]))
		if err != nil {
			return err
		}
		fmt.Printf("status=%d leader_hint=%d result=%q\n", reply.Status, reply.LeaderHint, reply.Result)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a replica's admin status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := adminGet("/status")
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Force an out-of-band snapshot via the admin HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := adminPost("/admin/snapshot", nil)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&replicaAddr, "replica", "127.0.0.1:9000", "replica client listener address")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "http://127.0.0.1:9100", "replica admin HTTP base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "bearer token for operator-only admin endpoints")
	rootCmd.AddCommand(putCmd, statusCmd, snapshotCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// submit dials addr, sends one length-prefixed ClientRequest frame, and
// reads back the matching ClientReply frame over the same connection.
func submit(addr string, clientID int64, seq int32, payload []byte) (wire.ClientReply, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return wire.ClientReply{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	frame, err := wire.Encode(wire.TypeClientRequest, 0, time.Now().UnixNano(), wire.ClientRequest{
		ClientID: clientID, Seq: seq, Payload: payload,
	})
	if err != nil {
		return wire.ClientReply{}, err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return wire.ClientReply{}, err
	}
	if _, err := conn.Write(frame); err != nil {
		return wire.ClientReply{}, err
	}

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return wire.ClientReply{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(conn, out); err != nil {
		return wire.ClientReply{}, err
	}

	decoded, err := wire.Decode(out)
	if err != nil {
		return wire.ClientReply{}, err
	}
	reply, ok := decoded.Body.(wire.ClientReply)
	if !ok {
		return wire.ClientReply{}, fmt.Errorf("paxctl: unexpected reply frame type %d", decoded.Type)
	}
	return reply, nil
}

func adminGet(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, adminAddr+path, nil)
	if err != nil {
		return nil, err
	}
	return doAdmin(req)
}

func adminPost(path string, payload interface{}) ([]byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(http.MethodPost, adminAddr+path, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAdmin(req)
}

func doAdmin(req *http.Request) ([]byte, error) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("paxctl: admin request failed: %s: %s", resp.Status, body)
	}
	return body, nil
}
