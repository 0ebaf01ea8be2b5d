package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/ccoin/privutxo/pkg/types"
)

const version = "0.1.0"

var (
	// deposit flags
	depToken  string
	depAmount string
	depOwner  string

	// split flags
	splitAmounts []string
	splitOwners  []string

	// transfer / withdraw flags
	transferTo string
	withdrawTo string

	// query flags
	balanceToken string
	listAll      bool

	keygenOut string
)

// utxoView is the printable form of a UTXO
type utxoView struct {
	ID         string `json:"id"`
	Token      string `json:"token"`
	Owner      string `json:"owner"`
	Value      string `json:"value"`
	State      string `json:"state"`
	Type       string `json:"type"`
	Commitment string `json:"commitment"`
	Parent     string `json:"parent,omitempty"`
}

func viewOf(u *types.UTXO) utxoView {
	v := utxoView{
		ID:         u.ID,
		Token:      u.TokenAddress.Hex(),
		Owner:      u.Owner.Hex(),
		State:      u.State().String(),
		Type:       u.Type.String(),
		Commitment: u.Commitment.String(),
		Parent:     u.ParentID,
	}
	if u.Value != nil {
		v.Value = u.Value.String()
	}
	return v
}

func viewsOf(us []*types.UTXO) []utxoView {
	out := make([]utxoView, len(us))
	for i, u := range us {
		out[i] = viewOf(u)
	}
	return out
}

func parseAddress(name, s string) (types.Address, error) {
	if !common.IsHexAddress(s) {
		return types.Address{}, fmt.Errorf("invalid %s address %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("privutxo v%s\n", version)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a new signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		if keygenOut == "" {
			return fmt.Errorf("--out is required")
		}
		if _, err := os.Stat(keygenOut); err == nil {
			return fmt.Errorf("%s already exists", keygenOut)
		}
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		if err := os.WriteFile(keygenOut, []byte(hex.EncodeToString(crypto.FromECDSA(key))+"\n"), 0o600); err != nil {
			return err
		}
		return printJSON(map[string]string{
			"address":  crypto.PubkeyToAddress(key.PublicKey).Hex(),
			"key_file": keygenOut,
		})
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit",
	Short: "Convert a public token amount into a private UTXO",
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := parseAddress("token", depToken)
		if err != nil {
			return err
		}
		amount, err := parseAmount(depAmount)
		if err != nil {
			return err
		}
		return withWallet(func(ctx context.Context, w *wallet) error {
			owner := w.service.Address()
			if depOwner != "" {
				if owner, err = parseAddress("owner", depOwner); err != nil {
					return err
				}
			}
			out, err := w.service.Deposit(ctx, token, amount, owner)
			if err != nil {
				return err
			}
			return printJSON(viewOf(out))
		})
	},
}

var splitCmd = &cobra.Command{
	Use:   "split <utxo-id>",
	Short: "Split a UTXO into several outputs that sum to its value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(splitAmounts) == 0 {
			return fmt.Errorf("--amounts is required")
		}
		values := make([]*big.Int, len(splitAmounts))
		for i, s := range splitAmounts {
			v, err := parseAmount(s)
			if err != nil {
				return err
			}
			values[i] = v
		}
		if len(splitOwners) > 0 && len(splitOwners) != len(values) {
			return fmt.Errorf("got %d owners for %d amounts", len(splitOwners), len(values))
		}
		return withWallet(func(ctx context.Context, w *wallet) error {
			owners := make([]types.Address, len(values))
			for i := range owners {
				owners[i] = w.service.Address()
				if len(splitOwners) > 0 {
					addr, err := parseAddress("owner", splitOwners[i])
					if err != nil {
						return err
					}
					owners[i] = addr
				}
			}
			outs, err := w.service.Split(ctx, args[0], values, owners)
			if err != nil {
				return err
			}
			return printJSON(viewsOf(outs))
		})
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer <utxo-id>",
	Short: "Move a UTXO to a new owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseAddress("recipient", transferTo)
		if err != nil {
			return err
		}
		return withWallet(func(ctx context.Context, w *wallet) error {
			out, err := w.service.Transfer(ctx, args[0], to)
			if err != nil {
				return err
			}
			return printJSON(viewOf(out))
		})
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <utxo-id>",
	Short: "Reveal a UTXO's value and release it to a public recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseAddress("recipient", withdrawTo)
		if err != nil {
			return err
		}
		return withWallet(func(ctx context.Context, w *wallet) error {
			receipt, err := w.service.Withdraw(ctx, args[0], to)
			if err != nil {
				return err
			}
			return printJSON(receipt)
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show confirmed unspent balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallet(func(ctx context.Context, w *wallet) error {
			if balanceToken != "" {
				token, err := parseAddress("token", balanceToken)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{
					"token":   token.Hex(),
					"balance": w.service.GetBalance(token).String(),
				})
			}
			balances := w.service.GetBalances()
			tokens := make([]types.Address, 0, len(balances))
			for t := range balances {
				tokens = append(tokens, t)
			}
			sort.Slice(tokens, func(i, j int) bool { return tokens[i].Hex() < tokens[j].Hex() })
			out := make([]map[string]string, 0, len(tokens))
			for _, t := range tokens {
				out = append(out, map[string]string{"token": t.Hex(), "balance": balances[t].String()})
			}
			return printJSON(out)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List UTXOs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallet(func(ctx context.Context, w *wallet) error {
			utxos := w.service.ListUTXOs()
			if !listAll {
				live := utxos[:0]
				for _, u := range utxos {
					if !u.Spent {
						live = append(live, u)
					}
				}
				utxos = live
			}
			return printJSON(viewsOf(utxos))
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Reconcile stored UTXOs with the verifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWallet(func(ctx context.Context, w *wallet) error {
			// openWallet tolerates a partial sync, this command does not
			if _, err := w.service.Sync(ctx); err != nil {
				return err
			}
			return printJSON(viewsOf(w.service.ListUTXOs()))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the verifier's sequence and commitment root",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		status, err := newClient(cfg).Status(context.Background())
		if err != nil {
			return err
		}
		return printJSON(status)
	},
}

func init() {
	depositCmd.Flags().StringVar(&depToken, "token", "", "Token address")
	depositCmd.Flags().StringVar(&depAmount, "amount", "", "Amount in token base units")
	depositCmd.Flags().StringVar(&depOwner, "owner", "", "Owner of the new UTXO (defaults to the wallet address)")
	_ = depositCmd.MarkFlagRequired("token")
	_ = depositCmd.MarkFlagRequired("amount")

	splitCmd.Flags().StringSliceVar(&splitAmounts, "amounts", nil, "Output amounts, comma separated")
	splitCmd.Flags().StringSliceVar(&splitOwners, "owners", nil, "Output owners, comma separated (defaults to the wallet address)")

	transferCmd.Flags().StringVar(&transferTo, "to", "", "New owner address")
	_ = transferCmd.MarkFlagRequired("to")

	withdrawCmd.Flags().StringVar(&withdrawTo, "recipient", "", "Public recipient address")
	_ = withdrawCmd.MarkFlagRequired("recipient")

	balanceCmd.Flags().StringVar(&balanceToken, "token", "", "Only this token")
	listCmd.Flags().BoolVar(&listAll, "all", false, "Include spent UTXOs")

	keygenCmd.Flags().StringVarP(&keygenOut, "out", "o", "", "Key file to create")
}
