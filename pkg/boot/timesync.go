package boot

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openanolis/cryptpilot-go/internal/cplog"
)

const (
	aliyunIMDSProbeAddr = "100.100.100.200:80"
	aliyunIMDSProbeTime = 5 * time.Second
	aliyunNTPServer     = "ntp.cloud.aliyuncs.com:123"
	ntpTimeout          = 10 * time.Second
	// ntpEpochOffset is the number of seconds between the NTP epoch
	// (1900-01-01) and the Unix epoch (1970-01-01).
	ntpEpochOffset = 2208988800
)

// SyncTimeFromNTP synchronizes the system clock from Alibaba Cloud's NTP
// server, but only when a cloud instance is actually detected by probing
// the IMDS endpoint — on any other host the boot-time clock is left alone,
// grounded on boot_service/time_sync.rs's check_is_aliyun_ecs +
// sync_time_to_system.
//
// No package in the pack implements an SNTP client (the original uses the
// `rsntp` crate, which has no Go equivalent among the examples), so the
// minimal client-mode query here talks the wire protocol directly with
// stdlib net/encoding-binary — a 48-byte fixed-format UDP request/response,
// not worth a dependency for one call site.
func SyncTimeFromNTP(ctx context.Context, logger *cplog.Logger) error {
	if logger == nil {
		logger = cplog.Default
	}

	if !isAliyunECS(ctx) {
		logger.Debugf("not an Aliyun ECS instance, skip syncing system time")
		return nil
	}
	logger.Infof("Aliyun ECS instance detected, syncing system time now")

	t, err := queryNTPTime(ctx, aliyunNTPServer)
	if err != nil {
		return fmt.Errorf("failed to get time from NTP server: %w", err)
	}
	logger.Infof("got time %s from NTP server", t)

	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("failed to set system time: %w", err)
	}
	return nil
}

func isAliyunECS(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, aliyunIMDSProbeTime)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", aliyunIMDSProbeAddr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// queryNTPTime performs a single SNTP client-mode query, client-version 4,
// against addr and returns the server's transmit timestamp.
func queryNTPTime(ctx context.Context, addr string) (time.Time, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, ntpTimeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "udp", addr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to dial NTP server %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(ntpTimeout))
	}

	req := make([]byte, 48)
	req[0] = 0x23 // LI=0, VN=4, Mode=3 (client)
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, fmt.Errorf("failed to send NTP request: %w", err)
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return time.Time{}, fmt.Errorf("failed to read NTP response: %w", err)
	}

	// Transmit Timestamp occupies bytes 40-47: seconds since the NTP epoch
	// (32 bits) followed by a fractional-second field (32 bits).
	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])

	unixSecs := int64(secs) - ntpEpochOffset
	nanos := int64(float64(frac) / (1 << 32) * 1e9)

	return time.Unix(unixSecs, nanos).UTC(), nil
}
