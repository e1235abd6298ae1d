package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Abdullah1738/juno-lightclient/internal/builder"
	"github.com/Abdullah1738/juno-lightclient/internal/chain"
	"github.com/Abdullah1738/juno-lightclient/internal/prover"
	"github.com/Abdullah1738/juno-lightclient/internal/shielded"
	"github.com/Abdullah1738/juno-lightclient/internal/validator"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func mnemonicCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mnemonic",
		Short: "Print a new 24-word seed phrase",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := shielded.NewMnemonic()
			if err != nil {
				return errors.Wrap(err, "generating mnemonic")
			}
			fmt.Fprintln(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func initCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the wallet data store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			return w.InitDataStore(cmd.Context())
		},
	}
}

func initAccountsCmd(a *app) *cobra.Command {
	var (
		count      int
		mnemonic   string
		passphrase string
		seedHex    string
	)
	cmd := &cobra.Command{
		Use:   "init-accounts",
		Short: "Derive accounts from a seed and print their spending keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := walletSeed(mnemonic, passphrase, seedHex)
			if err != nil {
				return err
			}
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := w.InitAccounts(cmd.Context(), seed, count)
			if err != nil {
				return err
			}
			for i, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", i, k)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 1, "Number of accounts to derive")
	cmd.Flags().StringVar(&mnemonic, "mnemonic", os.Getenv("JUNO_LC_MNEMONIC"), "BIP-39 seed phrase")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "BIP-39 passphrase")
	cmd.Flags().StringVar(&seedHex, "seed-hex", "", "Raw seed as hex, instead of a mnemonic")
	return cmd
}

func walletSeed(mnemonic, passphrase, seedHex string) ([]byte, error) {
	switch {
	case strings.TrimSpace(seedHex) != "":
		seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
		if err != nil {
			return nil, errors.Wrap(err, "decoding seed")
		}
		if len(seed) < 32 {
			return nil, errors.New("seed must be at least 32 bytes")
		}
		return seed, nil
	case strings.TrimSpace(mnemonic) != "":
		return shielded.SeedFromMnemonic(strings.Join(strings.Fields(mnemonic), " "), passphrase)
	default:
		return nil, errors.New("one of --mnemonic or --seed-hex is required")
	}
}

func initCheckpointCmd(a *app) *cobra.Command {
	var (
		height    int64
		hash      string
		blockTime uint32
		tree      string
	)
	cmd := &cobra.Command{
		Use:   "init-checkpoint",
		Short: "Start scanning above a trusted block and its commitment tree state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			return w.InitFromCheckpoint(cmd.Context(), height, hash, blockTime, tree)
		},
	}
	cmd.Flags().Int64Var(&height, "height", -1, "Checkpoint block height")
	cmd.Flags().StringVar(&hash, "hash", "", "Checkpoint block hash (hex)")
	cmd.Flags().Uint32Var(&blockTime, "time", 0, "Checkpoint block time (unix seconds)")
	cmd.Flags().StringVar(&tree, "tree", "", "Encoded commitment tree state after the block (hex)")
	_ = cmd.MarkFlagRequired("height")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func ingestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Add encoded compact blocks to the block cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.blockCache(cmd.Context())
			if err != nil {
				return err
			}
			var n int
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				for b, err := range chain.ReadBlocks(f) {
					if err == nil {
						err = c.Put(cmd.Context(), b)
					}
					if err != nil {
						_ = f.Close()
						return errors.Wrapf(err, "ingesting %s", path)
					}
					n++
				}
				_ = f.Close()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cached %d blocks\n", n)
			return nil
		},
	}
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the block cache extends the scanned chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			c, err := a.blockCache(cmd.Context())
			if err != nil {
				return err
			}
			v, err := validator.New(c, st)
			if err != nil {
				return err
			}
			h, err := v.ValidateCombinedChain(cmd.Context())
			if err != nil {
				return err
			}
			if h >= 0 {
				return errors.Errorf("chain discontinuity at height %d", h)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func scanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Scan cached blocks until the wallet catches up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sy, err := a.synchronizer(cmd.Context())
			if err != nil {
				return err
			}
			var added, spent int
			for {
				p, err := sy.SyncOnce(cmd.Context())
				if err != nil {
					return err
				}
				added += p.Scanned.NotesAdded
				spent += p.Scanned.NotesSpent
				if !p.Advanced {
					break
				}
			}
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			wm, err := w.Watermark(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watermark %d, %d notes received, %d spent\n", wm, added, spent)
			return nil
		},
	}
}

func rewindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rewind <height>",
		Short: "Undo everything scanned above height",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrap(err, "parsing height")
			}
			rw, err := a.rewinder(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := rw.RewindTo(cmd.Context(), h); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rewound to %d\n", h)
			return nil
		},
	}
}

func balanceCmd(a *app) *cobra.Command {
	var account uint32
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print the total and verified balance of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			total, err := w.Balance(cmd.Context(), account)
			if err != nil {
				return err
			}
			verified, err := w.VerifiedBalance(cmd.Context(), account)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "balance %d\nverified %d\n", total, verified)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&account, "account", 0, "Account index")
	return cmd
}

func addressCmd(a *app) *cobra.Command {
	var account uint32
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Print the shielded address of an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			addr, err := w.Address(cmd.Context(), account)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&account, "account", 0, "Account index")
	return cmd
}

func memoCmd(a *app) *cobra.Command {
	var sent bool
	cmd := &cobra.Command{
		Use:   "memo <note-id>",
		Short: "Print the memo of a received or sent note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Wrap(err, "parsing note id")
			}
			w, err := a.wallet(cmd.Context())
			if err != nil {
				return err
			}
			lookup := w.ReceivedMemo
			if sent {
				lookup = w.SentMemo
			}
			raw, err := lookup(cmd.Context(), id)
			if err != nil {
				return err
			}
			if text, ok := shielded.MemoText(raw); ok {
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "hex:%s\n", hex.EncodeToString(raw))
			return nil
		},
	}
	cmd.Flags().BoolVar(&sent, "sent", false, "Look up a sent note instead of a received one")
	return cmd
}

func sendCmd(a *app) *cobra.Command {
	var (
		account     uint32
		spendingKey string
		to          string
		value       uint64
		memo        string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Build and record a shielded transaction, printing the raw bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sk, err := a.suite.ParseSpendingKey(strings.TrimSpace(spendingKey))
			if err != nil {
				return errors.Wrap(err, "parsing spending key")
			}
			m, err := shielded.NewTextMemo(memo)
			if err != nil {
				return err
			}
			p, err := prover.NewExec(a.cfg.ProverBinary)
			if err != nil {
				return err
			}
			st, err := a.store(ctx)
			if err != nil {
				return err
			}
			b, err := builder.New(st, a.suite, p, builder.Options{MinConfirmations: a.cfg.MinConfirmations})
			if err != nil {
				return err
			}
			res, err := b.BuildSpend(ctx, builder.Request{
				Account:     account,
				SpendingKey: sk,
				To:          to,
				Value:       value,
				Memo:        m,
				Params:      prover.Params{SpendPath: a.cfg.SpendParams, OutputPath: a.cfg.OutputParams},
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "txid %s\n", res.TxID)
			fmt.Fprintf(out, "fee %d change %d anchor %d expiry %d\n", res.Fee, res.Change, res.AnchorHeight, res.ExpiryHeight)
			fmt.Fprintln(out, hex.EncodeToString(res.Raw))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&account, "account", 0, "Account index to spend from")
	cmd.Flags().StringVar(&spendingKey, "spending-key", os.Getenv("JUNO_LC_SPENDING_KEY"), "Spending key of the account")
	cmd.Flags().StringVar(&to, "to", "", "Recipient shielded address")
	cmd.Flags().Uint64Var(&value, "value", 0, "Amount to send")
	cmd.Flags().StringVar(&memo, "memo", "", "Text memo for the recipient")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}
