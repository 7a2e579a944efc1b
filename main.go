// Command regfront is a web dashboard for browsing and cleaning up docker registries.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mjl-/sconf"

	"github.com/mjl-/regfront/registry"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "regfront_panic_total",
		Help: "Number of unhandled panics, by server.",
	},
	[]string{
		"server",
	},
)

var metricRequest = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "regfront_request_duration_seconds",
		Help:    "HTTP requests to the dashboard with operation, response code, and duration until response status code is written, in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 30, 120},
	},
	[]string{
		"method", // http method
		"op",     // operation, i.e. dashboard page or action
		"code",   // http response code
	},
)

// Registry connections, and clients for them. Set before serving.
var connections store
var clients *clientCache

func xparseConfig() {
	if err := sconf.ParseFile(configFile, &config); err != nil {
		log.Fatalf("%v", err)
	}
}

var configFile string
var config struct {
	DataDir      string `sconf-doc:"Directory to store the database with registry connections."`
	Storage      string `sconf:"optional" sconf-doc:"Where registry connections are stored. Either bstore (default), a database in DataDir, or env, a single read-only registry from environment variables REGFRONT_NAME, REGFRONT_URL, REGFRONT_USER and REGFRONT_PASSWORD."`
	CacheTimeout int    `sconf:"optional" sconf-doc:"Seconds to cache registry responses. Default 60, negative to disable caching. The cache is cleared after deleting."`
	HTTPTimeout  int    `sconf:"optional" sconf-doc:"Seconds to wait for connecting to a registry, and for a response after sending a request. Default 10."`
	RetryMax     int    `sconf:"optional" sconf-doc:"Number of retries for failed registry requests that are safe to repeat. Default 3, negative for none."`
}

// Prints requests and responses.
var debugFlag bool

var version = "(devel)"

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" {
		version = bi.Main.Version
	}
}

func usage() {
	log.Println("usage: regfront serve [-addr localhost:8080] [-adminaddr localhost:8081]")
	log.Println("       regfront quickstart [name url]")
	log.Println("       regfront describe >regfront.conf")
	log.Println("       regfront testconfig regfront.conf")
	log.Println("       regfront registry list")
	log.Println("       regfront registry add name url [user]")
	log.Println("       regfront registry remove name")
	log.Println("       regfront registry probe name")
	log.Println("       regfront version")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	flag.Usage = usage
	flag.StringVar(&configFile, "config", "regfront.conf", "path to configuration file")
	flag.BoolVar(&debugFlag, "debug", false, "enable debug logging, e.g. printing HTTP requests to the dashboard and to registries")
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
	}
	if debugFlag {
		log.SetLevel(log.DebugLevel)
	}

	cmd, args := args[0], args[1:]
	switch cmd {
	case "serve":
		xparseConfig()
		serve(args)
	case "quickstart":
		if len(args) != 0 && len(args) != 2 {
			flag.Usage()
		}
		quickstart(args)
	case "describe":
		if len(args) != 0 {
			flag.Usage()
		}
		if err := sconf.Describe(os.Stdout, config); err != nil {
			log.Fatalf("describing config: %v", err)
		}
	case "testconfig":
		if len(args) != 1 {
			flag.Usage()
		}
		configFile = args[0]
		xparseConfig()
		if _, err := openStore(context.Background()); err != nil {
			log.Fatalf("opening storage: %v", err)
		}
		log.Println("config OK")
	case "registry":
		if len(args) == 0 {
			flag.Usage()
		}
		xparseConfig()
		cmdRegistry(args)
	case "version":
		if len(args) != 0 {
			flag.Usage()
		}
		fmt.Println(version)
	default:
		flag.Usage()
	}
}

func xstore() store {
	s, err := openStore(context.Background())
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	return s
}

func xregistryByName(ctx context.Context, s store, name string) DBRegistry {
	r, err := s.GetByName(ctx, name)
	if err != nil {
		log.Fatalf("looking up registry %q: %v", name, err)
	}
	return r
}

func cmdRegistry(args []string) {
	ctx := context.Background()
	s := xstore()
	defer s.Close()

	switch args[0] {
	case "list":
		if len(args) != 1 {
			flag.Usage()
		}
		l, err := s.List(ctx)
		if err != nil {
			log.Fatalf("listing registries: %v", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "id\tname\turl\tuser\tversion")
		for _, r := range l {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\n", r.ID, r.Name, r.URL, r.User, r.Version)
		}
		tw.Flush()

	case "add":
		if len(args) != 3 && len(args) != 4 {
			flag.Usage()
		}
		r := DBRegistry{Name: args[1], URL: args[2]}
		if len(args) == 4 {
			r.User = args[3]
			r.Password = xreadPassword()
		}
		if err := addRegistry(ctx, s, registryOptions(), &r); err != nil {
			log.Fatalf("adding registry: %v", err)
		}
		fmt.Printf("registry %s added, id %d, api version %d\n", r.Name, r.ID, r.Version)

	case "remove":
		if len(args) != 2 {
			flag.Usage()
		}
		r := xregistryByName(ctx, s, args[1])
		if err := s.Remove(ctx, r.ID); err != nil {
			log.Fatalf("removing registry: %v", err)
		}

	case "probe":
		if len(args) != 2 {
			flag.Usage()
		}
		r := xregistryByName(ctx, s, args[1])
		c, err := registry.New(ctx, r.connection(), registryOptions())
		if err != nil {
			log.Fatalf("connecting: %v", err)
		}
		online := c.IsOnline(ctx)
		fmt.Printf("url: %s\napi version: %d\nonline: %v\n", c.URL(), c.Version(), online)
		if !online {
			os.Exit(1)
		}
		if r.Version != c.Version() {
			r.Version = c.Version()
			if err := s.Update(ctx, &r); err != nil && !errors.Is(err, errReadOnlyStore) {
				log.Fatalf("storing api version: %v", err)
			}
		}
		n, err := registry.RepositoryCount(ctx, c)
		if err != nil {
			log.Fatalf("listing repositories: %v", err)
		}
		fmt.Printf("repositories: %d\ntag deletion: %v\nrepository deletion: %v\n", n, c.SupportsTagDeletion(ctx), c.SupportsRepoDeletion())

	default:
		flag.Usage()
	}
}

func xreadPassword() string {
	fmt.Print("password (will echo): ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		log.Fatalf("reading password: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// addRegistry normalizes the URL, detects the API version if the registry is
// online, and stores the registry.
func addRegistry(ctx context.Context, s store, opts registry.Options, r *DBRegistry) error {
	if r.Name == "" || strings.Contains(r.Name, "/") {
		return fmt.Errorf("%w: name required, without slashes", errBadRequest)
	}
	u, err := registry.NormalizeURL(r.URL)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	r.URL = u
	if r.Version == 0 {
		c, err := registry.New(ctx, r.connection(), opts)
		if err != nil {
			return err
		}
		if c.IsOnline(ctx) {
			r.Version = c.Version()
		}
	}
	return s.Add(ctx, r)
}

// quickstart writes a config file, and optionally adds a first registry.
func quickstart(args []string) {
	if _, err := os.Stat(configFile); err == nil {
		log.Fatalf("config file %s already exists", configFile)
	}
	config.DataDir = "data"
	f, err := os.OpenFile(configFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	if err != nil {
		log.Fatalf("creating config file: %v", err)
	}
	err = sconf.Describe(f, config)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		log.Fatalf("writing config file: %v", err)
	}
	log.Printf("wrote %s", configFile)

	if len(args) == 2 {
		s := xstore()
		r := DBRegistry{Name: args[0], URL: args[1]}
		if err := addRegistry(context.Background(), s, registryOptions(), &r); err != nil {
			log.Fatalf("adding registry: %v", err)
		}
		s.Close()
		log.Printf("added registry %s at %s", r.Name, r.URL)
	}

	log.Println("start the dashboard with:")
	log.Println("")
	log.Printf("\t./regfront -config %s serve", configFile)
	log.Println("")
	log.Println("and open http://localhost:8080/")
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	var addr, adminAddr string
	fs.StringVar(&addr, "addr", "localhost:8080", "address to serve the dashboard on")
	fs.StringVar(&adminAddr, "adminaddr", "localhost:8081", "address to listen on for metrics")
	fs.Parse(args)
	args = fs.Args()
	if len(args) != 0 {
		flag.Usage()
	}

	connections = xstore()
	clients = newClientCache(registryOptions())

	mux := http.NewServeMux()
	mux.HandleFunc("/", serveHTML)

	adminmux := http.NewServeMux()
	adminmux.Handle("/metrics", promhttp.Handler())

	log.Printf("regfront %s, serving dashboard %s, admin %s", version, addr, adminAddr)
	go func() {
		log.Fatalln(http.ListenAndServe(addr, mux))
	}()
	log.Fatalln(http.ListenAndServe(adminAddr, adminmux))
}

// internal server error.
type serverErr struct {
	err error
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(serverErr{fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)})
	}
}

// HTTP status codes, for html.go.
type httpErr struct {
	code int
	msg  string // Optional, shown after the status text.
}

// For checking errors when writing HTTP responses, we don't want to log i/o
// errors, but we do want to see other errors, e.g. about template execution.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// A remote TLS client can send a message indicating failure, this makes it back to
// us as a write error.
func isRemoteTLSError(err error) bool {
	var netErr *net.OpError
	return errors.As(err, &netErr) && netErr.Op == "remote error"
}
