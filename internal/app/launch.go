package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weiro2020/opencode-antigravity-stats/internal/apperr"
	"github.com/weiro2020/opencode-antigravity-stats/internal/config"
	"github.com/weiro2020/opencode-antigravity-stats/internal/langserver"
	"github.com/weiro2020/opencode-antigravity-stats/internal/rpc"
	"github.com/weiro2020/opencode-antigravity-stats/internal/wire"
)

// runLaunch starts a standalone server and keeps it running until ctx ends.
func (a *App) runLaunch(ctx context.Context, args []string) error {
	var common commonFlags
	fs := a.newFlagSet("launch")
	common.register(fs)
	if err := parseFlags(fs, args); err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	common.mode = config.ModeLaunch

	s, err := a.openSession(ctx, common, true)
	if err != nil {
		return err
	}
	defer s.Close()

	launcher := s.locator.(*langserver.Launcher)
	ep, err := launcher.Locate(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(a.Stdout, "Language server running\n  PID: %d\n  Port: %d\n  CSRF Token: %s\n\n", launcher.PID(), ep.Port(), ep.CSRFToken)
	_, _ = fmt.Fprintf(a.Stdout, "Try:\n  curl --cacert %s -X POST -H 'Content-Type: application/json' -H 'Connect-Protocol-Version: 1' -H 'x-codeium-csrf-token: %s' -d '{}' %s\n\nPress Ctrl+C to stop.\n",
		s.cfg.Server.CertFile, ep.CSRFToken, ep.Target().URL(rpc.MethodGetUserStatus))

	select {
	case <-ctx.Done():
		return nil
	case <-launcher.Done():
		return apperr.Fatalf("launch", nil, "language server exited")
	}
}

// runProbe launches a server and reports how each RPC method answers. Token
// material is never printed.
func (a *App) runProbe(ctx context.Context, args []string) error {
	var common commonFlags
	fs := a.newFlagSet("probe")
	common.register(fs)
	if err := parseFlags(fs, args); err != nil {
		if helpRequested(err) {
			return nil
		}
		return err
	}
	common.mode = config.ModeLaunch

	s, err := a.openSession(ctx, common, true)
	if err != nil {
		return err
	}
	defer s.Close()

	// The token push is done by hand below so its outcome can be reported.
	launcher := langserver.NewLauncher(launchOptions(s.cfg, s, false), s.client)
	s.locator = launcher
	ep, err := launcher.Locate(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(a.Stdout, "ls_ready=false")
		return err
	}
	_, _ = fmt.Fprintf(a.Stdout, "ls_ready=true server_port=%d\n", ep.Port())
	target := ep.Target()

	if s.credential != nil {
		resp, errPush := s.client.Call(ctx, target, rpc.MethodSaveOAuthTokenInfo, tokenInfoRequest(s.credential), rpc.EncodingProto)
		_, _ = fmt.Fprintf(a.Stdout, "SaveOAuthTokenInfo http=%s source=%s refresh_present=%t\n",
			statusText(resp, errPush), s.credential.Source, s.credential.RefreshToken != "")
		if errCancel := ctx.Err(); errCancel != nil {
			return errCancel
		}
	}

	protoResp, errProto := s.client.Call(ctx, target, rpc.MethodGetUserStatus, wire.GetUserStatusRequest(s.metadata), rpc.EncodingProto)
	_, _ = fmt.Fprintf(a.Stdout, "GetUserStatus(proto) http=%s content_type=%s resp_bytes=%d\n",
		statusText(protoResp, errProto), protoResp.ContentType(), bodyLen(protoResp))
	if sErr := statusError(errProto); sErr != nil && sErr.Code != "" {
		_, _ = fmt.Fprintf(a.Stdout, "  connect_error code=%s message=%s\n", sErr.Code, sErr.Message)
	}
	if errCancel := ctx.Err(); errCancel != nil {
		return errCancel
	}

	body, err := wire.GetUserStatusJSON(s.metadata)
	if err != nil {
		return apperr.Protocol("probe", "encode GetUserStatus", err)
	}
	jsonResp, errJSON := s.client.Call(ctx, target, rpc.MethodGetUserStatus, body, rpc.EncodingJSON)
	_, _ = fmt.Fprintf(a.Stdout, "GetUserStatus(json) http=%s resp_bytes=%d\n", statusText(jsonResp, errJSON), bodyLen(jsonResp))
	if errJSON == nil && jsonResp != nil {
		var pretty bytes.Buffer
		if errIndent := json.Indent(&pretty, jsonResp.Body, "", "  "); errIndent == nil {
			pretty.WriteByte('\n')
			_, _ = a.Stdout.Write(pretty.Bytes())
		}
	}
	if errProto != nil && errJSON != nil {
		return errJSON
	}
	return nil
}

func statusText(resp *rpc.Response, err error) string {
	if resp != nil {
		return fmt.Sprintf("%d", resp.StatusCode)
	}
	if err != nil {
		return "error(" + apperr.KindOf(err).String() + ")"
	}
	return "none"
}

func bodyLen(resp *rpc.Response) int {
	if resp == nil {
		return 0
	}
	return len(resp.Body)
}

func statusError(err error) *rpc.StatusError {
	var sErr *rpc.StatusError
	if errors.As(err, &sErr) {
		return sErr
	}
	return nil
}
