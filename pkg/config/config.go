package config

import (
	"log"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"

	"github.com/Ernesto-tha-great/swish/pkg/core"
)

type Config struct {
	API struct {
		Port       int `env:"PORT" envDefault:"8081"`
		BulkLimits int `env:"BULK_LIMITS" envDefault:"100"`
		RateLimit  int `env:"RATE_LIMIT_RPS" envDefault:"50"`
	}
	App struct {
		LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`
		MetricsPort int    `env:"METRICS_PORT" envDefault:"9010"`
	}
	Engine struct {
		Admin            core.Address `env:"ADMIN_ACCOUNT,required"`
		FeeCollector     core.Address `env:"FEE_COLLECTOR,required"`
		FeeBps           uint32       `env:"FEE_BPS" envDefault:"0"`
		SchedulerAccount core.Address `env:"SCHEDULER_ACCOUNT,required"`
		PaymentManagers  addressList  `env:"PAYMENT_MANAGERS"`
		PriceFeeders     addressList  `env:"PRICE_FEEDERS"`
		DocumentManagers addressList  `env:"DOCUMENT_MANAGERS"`
	}
	Oracle struct {
		RefreshInterval time.Duration `env:"ORACLE_REFRESH_INTERVAL" envDefault:"5m"`
		Sources         []string      `env:"ORACLE_SOURCES" envSeparator:","`
	}
}

type addressList []core.Address

func Load() Config {
	var c Config
	if err := env.ParseWithFuncs(&c, map[reflect.Type]env.ParserFunc{
		reflect.TypeOf(core.Address{}): func(v string) (interface{}, error) {
			return core.ParseAddress(v)
		},
		reflect.TypeOf(addressList{}): func(v string) (interface{}, error) {
			var addrs addressList
			for _, s := range strings.Split(v, ",") {
				a, err := core.ParseAddress(s)
				if err != nil {
					return nil, err
				}
				addrs = append(addrs, a)
			}
			return addrs, nil
		}}); err != nil {
		log.Panicf("[‼️  Config parsing failed] %+v\n", err)
	}

	return c
}
