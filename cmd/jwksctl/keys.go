package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store/pg"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newKeysCmd(getCfg func() *config.Config, getOut func() string) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspección y administración del store de claves",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lista las claves vigentes (sin material privado)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx, getCfg(), openOpts{store: true})
			if err != nil {
				return err
			}
			defer d.close()

			recs, err := d.store.ListActive(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			if getOut() == "json" {
				type row struct {
					jwks.PublicKey
					ExpiresAt time.Time `json:"expires_at"`
				}
				rows := make([]row, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, row{PublicKey: r.Public(), ExpiresAt: r.ExpiresAt})
				}
				return printJSON(rows)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KID\tALG\tCRV\tEXPIRES_AT\tPRIVATE")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.KID, r.Algorithm, r.Curve, r.ExpiresAt.Format(time.RFC3339), r.HasPrivate())
			}
			return tw.Flush()
		},
	}

	var (
		file      string
		ttl       time.Duration
		expiresAt string
	)
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Importa una clave pública (JWK EC P-521 ES512) al store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return errors.New("--file es requerido")
			}
			cfg := getCfg()
			now := time.Now().UTC()
			exp := now.Add(ttl)
			if expiresAt != "" {
				t, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("--expires-at: %w", err)
				}
				exp = t
			}
			b, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			rec, err := jwks.ParseJWK(b, now, exp)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			d, err := open(ctx, cfg, openOpts{store: true})
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.store.Put(ctx, rec); err != nil {
				return err
			}
			fmt.Printf("imported kid=%s expires_at=%s version_stage=%s\n",
				rec.KID, rec.ExpiresAt.Format(time.RFC3339),
				jwks.VersionStageKID(cfg.KID.VersionStagePrefix, cfg.KID.VersionStageSeparator, rec.KID))
			return nil
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "archivo JSON con el JWK")
	importCmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "vigencia desde ahora")
	importCmd.Flags().StringVar(&expiresAt, "expires-at", "", "RFC3339; pisa --ttl")

	var kid string
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Borra una clave del store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kid == "" {
				return errors.New("--kid es requerido")
			}
			ctx := cmd.Context()
			d, err := open(ctx, getCfg(), openOpts{store: true})
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.store.Delete(ctx, kid); err != nil {
				return err
			}
			fmt.Println("deleted", kid)
			return nil
		},
	}
	deleteCmd.Flags().StringVar(&kid, "kid", "", "kid a borrar")

	keysCmd.AddCommand(listCmd, importCmd, deleteCmd)
	return keysCmd
}

func newStoreCmd(getCfg func() *config.Config) *cobra.Command {
	storeCmd := &cobra.Command{
		Use:   "store",
		Short: "Mantenimiento del store",
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones (solo postgres)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx, getCfg(), openOpts{store: true})
			if err != nil {
				return err
			}
			defer d.close()
			p, ok := d.store.(*pg.Store)
			if !ok {
				return fmt.Errorf("migrate requiere store.driver=postgres (actual %q)", getCfg().Store.Driver)
			}
			if err := p.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	}
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Borra las claves vencidas (stores sin TTL nativo)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := open(ctx, getCfg(), openOpts{store: true})
			if err != nil {
				return err
			}
			defer d.close()
			p, ok := d.store.(purger)
			if !ok {
				return fmt.Errorf("store %q usa TTL nativo", getCfg().Store.Driver)
			}
			n, err := p.Purge(ctx, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("purged=%d\n", n)
			return nil
		},
	}
	storeCmd.AddCommand(migrateCmd, purgeCmd)
	return storeCmd
}
