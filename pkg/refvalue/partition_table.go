package refvalue

import (
	"context"
	"fmt"
	"strings"

	"github.com/openanolis/cryptpilot-go/pkg/runner"
)

// PartitionTableType is either of the two partition table formats
// load_kernel_artifacts needs to pick a GRUB device identifier syntax,
// grounded on disk/partition_table.rs's PartitionTableType.
type PartitionTableType int

const (
	PartitionTableGpt PartitionTableType = iota
	PartitionTableMbr
)

// detectPartitionTableType shells out to `fdisk -l disk` and scans its
// output for the "Disklabel type:" line, grounded on
// disk/partition_table.rs's detect_partition_table_type. Defaults to GPT
// when the line cannot be found, matching the original's own fallback
// rather than failing the whole extraction over a cosmetic detail.
func detectPartitionTableType(ctx context.Context, r runner.Runner, disk string) (PartitionTableType, error) {
	out, err := r.Run(ctx, "fdisk", "-l", disk)
	if err != nil {
		return PartitionTableGpt, fmt.Errorf("failed to run fdisk -l %s: %w", disk, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Disklabel type:") {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Disklabel type:")))
		switch {
		case strings.Contains(label, "gpt"):
			return PartitionTableGpt, nil
		case strings.Contains(label, "dos"):
			return PartitionTableMbr, nil
		}
	}

	return PartitionTableGpt, nil
}
