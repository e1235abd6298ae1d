package prover

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
)

// Exec runs an external prover binary once per description. The request is
// JSON on stdin; the binary answers {"proof":"<hex>"} or {"error":"..."}.
type Exec struct {
	Binary string
	Args   []string
}

func NewExec(binary string, args ...string) (*Exec, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, errors.New("prover: binary is required")
	}
	return &Exec{Binary: binary, Args: args}, nil
}

type spendRequest struct {
	Anchor     string   `json:"anchor"`
	Nullifier  string   `json:"nullifier"`
	Commitment string   `json:"commitment"`
	Position   uint64   `json:"position"`
	Value      uint64   `json:"value"`
	Rseed      string   `json:"rseed"`
	Recipient  string   `json:"recipient"`
	AuthPath   []string `json:"auth_path"`
	AuthKey    string   `json:"auth_key"`
}

type outputRequest struct {
	Commitment string `json:"commitment"`
	Value      uint64 `json:"value"`
	Rseed      string `json:"rseed"`
	Recipient  string `json:"recipient"`
}

type proveResponse struct {
	Proof string `json:"proof,omitempty"`
	Error string `json:"error,omitempty"`
}

func (e *Exec) ProveSpend(ctx context.Context, d shielded.SpendDescription, p Params) ([]byte, error) {
	req := spendRequest{
		Anchor:     hex.EncodeToString(d.Anchor[:]),
		Nullifier:  hex.EncodeToString(d.Nullifier[:]),
		Commitment: hex.EncodeToString(d.Commitment[:]),
		Position:   d.Position,
		Value:      d.Value,
		Rseed:      hex.EncodeToString(d.Rseed[:]),
		Recipient:  hex.EncodeToString(d.Recipient[:]),
		AuthPath:   make([]string, 0, len(d.AuthPath.Siblings)),
		AuthKey:    hex.EncodeToString(d.AuthKey[:]),
	}
	for _, s := range d.AuthPath.Siblings {
		req.AuthPath = append(req.AuthPath, hex.EncodeToString(s[:]))
	}
	return e.run(ctx, "prove-spend", p.SpendPath, req)
}

func (e *Exec) ProveOutput(ctx context.Context, d shielded.OutputDescription, p Params) ([]byte, error) {
	req := outputRequest{
		Commitment: hex.EncodeToString(d.Commitment[:]),
		Value:      d.Value,
		Rseed:      hex.EncodeToString(d.Rseed[:]),
		Recipient:  hex.EncodeToString(d.Recipient[:]),
	}
	return e.run(ctx, "prove-output", p.OutputPath, req)
}

func (e *Exec) run(ctx context.Context, command, paramsPath string, req any) ([]byte, error) {
	in, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("prover: marshal request: %w", err)
	}

	args := append(append([]string(nil), e.Args...), command, "--params", paramsPath)
	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Stdin = bytes.NewReader(in)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("prover: %s: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}

	var resp proveResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("prover: %s: invalid response: %w", command, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("prover: %s: %s", command, resp.Error)
	}
	proof, err := hex.DecodeString(resp.Proof)
	if err != nil || len(proof) == 0 {
		return nil, fmt.Errorf("prover: %s: invalid proof encoding", command)
	}
	return proof, nil
}
