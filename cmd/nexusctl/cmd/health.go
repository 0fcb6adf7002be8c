package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/nexus/internal/health"
)

var healthService string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Nexus bus",
	Long: `Check the health status of the Nexus bus using the gRPC health service.
With --http the readiness endpoint (/health/ready) is queried instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if useHTTP {
			resp, err := makeHTTPRequest(ctx, http.MethodGet, "/health/ready", nil, nil)
			if err != nil {
				return fmt.Errorf("HTTP health check failed: %w", err)
			}
			out, err := decodeResponse(resp)
			if outputJSON {
				printOutput(out)
				return nil
			}
			if err != nil {
				fmt.Printf("✗ Service is not ready: %v (reason: %v)\n", err, out["reason"])
				return nil
			}
			fmt.Println("✓ Service is ready (HTTP)")
			return nil
		}

		status, err := checkGRPC(ctx, grpcAddr, healthService)
		if err != nil {
			fmt.Printf("✗ Service is unhealthy: %v\n", err)
			return nil
		}
		if outputJSON {
			printOutput(map[string]string{"service": healthService, "status": status.String()})
			return nil
		}
		if status != healthpb.HealthCheckResponse_SERVING {
			fmt.Printf("✗ Service is %s\n", status)
			return nil
		}
		fmt.Println("✓ Service is healthy")
		return nil
	},
}

// checkGRPC runs a single grpc.health.v1 Check against addr.
func checkGRPC(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringVar(&healthService, "service", health.ServiceName, "gRPC health service name (empty for the overall server)")
}
