package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/session"
	"github.com/example/facematch/internal/verification"
)

// VerifyOptions holds the flags of the verify command.
type VerifyOptions struct {
	AadhaarPath string
	SelfiePath  string
	Threshold   float64
	Permissive  bool
	JSON        bool
}

var verifyOpts VerifyOptions

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare an Aadhaar photo with a selfie",
	Long: `Detects a face in both images, compares their descriptors and prints the
verdict. A no-match still exits 0; a missing face exits 1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := verifyOpts
		if !cmd.Flags().Changed("threshold") {
			opts.Threshold = cfg.DefaultThreshold
		}
		if err := verification.ValidateThreshold(opts.Threshold); err != nil {
			return err
		}

		manager := newModelManager(cfg, logger, cmd.ErrOrStderr())
		if err := manager.Load(cmd.Context()); err != nil {
			return err
		}
		defer manager.Close()

		ext, release, err := manager.Acquire()
		if err != nil {
			return err
		}
		defer release()
		return runVerify(cmd.Context(), opts, ext, heicConverter(cfg, logger), logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	verifyCmd.Flags().StringVarP(&verifyOpts.AadhaarPath, "aadhaar", "a", "", "Path to the Aadhaar (ID) photo")
	verifyCmd.Flags().StringVarP(&verifyOpts.SelfiePath, "selfie", "s", "", "Path to the selfie")
	verifyCmd.Flags().Float64VarP(&verifyOpts.Threshold, "threshold", "t", verification.DefaultThreshold, "Similarity a match must exceed (0..1); overrides DEFAULT_THRESHOLD")
	verifyCmd.Flags().BoolVarP(&verifyOpts.Permissive, "permissive", "p", false, "Use the permissive detector tuning for hard photos")
	verifyCmd.Flags().BoolVar(&verifyOpts.JSON, "json", false, "Print the outcome as JSON")

	verifyCmd.MarkFlagRequired("aadhaar")
	verifyCmd.MarkFlagRequired("selfie")
	rootCmd.AddCommand(verifyCmd)
}

// runVerify runs one comparison through a throwaway session.
func runVerify(ctx context.Context, opts VerifyOptions, ext detection.Extractor, conv imageio.HEICConverter, logger *zap.Logger, stdout, stderr io.Writer) error {
	sess := session.New("cli", "local", logger)
	paths := map[detection.Slot]string{
		detection.SlotAadhaar: opts.AadhaarPath,
		detection.SlotSelfie:  opts.SelfiePath,
	}
	for _, slot := range detection.Slots {
		img, err := loadImage(ctx, paths[slot], conv)
		if err != nil {
			return fmt.Errorf("%s image: %w", slot.Label(), err)
		}
		sess.SetImage(slot, img)
	}

	outcome, err := sess.Verify(ctx, ext, session.Options{
		Threshold: opts.Threshold,
		Mode:      detection.ModeFor(opts.Permissive),
	})
	var noFace *detection.NoFaceError
	if errors.As(err, &noFace) {
		fmt.Fprintf(stderr, "No face detected in %s image\n", noFace.Slot.Label())
		return errQuiet
	}
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}
	fmt.Fprintln(stdout, outcome.Verdict())
	fmt.Fprintln(stdout, outcome.Summary())
	return nil
}

func loadImage(ctx context.Context, path string, conv imageio.HEICConverter) (*imageio.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > imageio.MaxUploadSize {
		return nil, &imageio.DecodeError{Name: filepath.Base(path), Err: fmt.Errorf("file exceeds %d bytes", imageio.MaxUploadSize)}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return imageio.Decode(ctx, filepath.Base(path), mime.TypeByExtension(filepath.Ext(path)), data, conv)
}
