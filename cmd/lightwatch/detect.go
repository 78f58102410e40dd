package main

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"gocv.io/x/gocv"

	"github.com/teslashibe/go-lightwatch/internal/log"
	"github.com/teslashibe/go-lightwatch/pkg/detect"
	"github.com/teslashibe/go-lightwatch/pkg/telemetry"
)

var (
	detectImage    string
	detectStrategy string
	detectAnnotate string
	detectMaskOut  string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run one detection on an image and print the result as JSON",
	Example: `  lightwatch detect --image frame.png
  lightwatch detect --image frame.png --strategy mask --annotate boxes.png
  lightwatch detect --image frame.png --mask-out mask.png`,
	RunE: runDetect,
}

func init() {
	detectCmd.Flags().StringVarP(&detectImage, "image", "i", "", "Image file to analyse")
	detectCmd.Flags().StringVar(&detectStrategy, "strategy", "", "Override detection.strategy (free or mask)")
	detectCmd.Flags().StringVar(&detectAnnotate, "annotate", "", "Write a copy of the image with detected boxes drawn")
	detectCmd.Flags().StringVar(&detectMaskOut, "mask-out", "", "Write the binary colour mask the free-form detector extracts regions from")
	_ = detectCmd.MarkFlagRequired("image")
}

// DetectResult is the JSON output of the detect command.
type DetectResult struct {
	Image    string `json:"image"`
	Strategy string `json:"strategy"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	detect.Detection
}

func runDetect(cmd *cobra.Command, args []string) error {
	strategy := cfg.Detection.Strategy
	if detectStrategy != "" {
		strategy = detectStrategy
	}

	img := gocv.IMRead(detectImage, gocv.IMReadColor)
	if img.Empty() {
		return errors.Newf("cannot read image %s", detectImage)
	}
	defer img.Close()

	d, err := detect.New(strategy, cfg.Detection.Config, cfg.LightMap, telemetry.New(log.L()))
	if err != nil {
		return err
	}
	if lm, ok := d.(*detect.LightMap); ok {
		defer lm.Close()
	}

	det := d.Detect(img)
	res := DetectResult{
		Image:     detectImage,
		Strategy:  strategy,
		Width:     img.Cols(),
		Height:    img.Rows(),
		Detection: det,
	}

	if detectAnnotate != "" {
		out := detect.Annotate(img, det)
		defer out.Close()
		if !gocv.IMWrite(detectAnnotate, out) {
			return errors.Newf("cannot write %s", detectAnnotate)
		}
	}

	if detectMaskOut != "" {
		rd, ok := d.(*detect.RegionDetector)
		if !ok {
			return errors.WithHint(
				errors.Newf("--mask-out needs the %s strategy, got %s", detect.StrategyFree, strategy),
				"the mask strategy samples fixed light points and builds no colour mask")
		}
		mask, err := rd.Mask(img)
		if err != nil {
			return errors.Wrap(err, "build mask")
		}
		defer mask.Close()
		if !gocv.IMWrite(detectMaskOut, mask) {
			return errors.Newf("cannot write %s", detectMaskOut)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
