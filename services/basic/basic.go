// Service basic is a minimal tarn example: one persistent model with mixed
// wire/database mappings, the auto-generated CRUD routes, one custom route
// and an in-process notification handler.
//
// Run with MONGO="mongodb://localhost:27017"; without MONGO the service uses
// the in-memory store, which is handy for local experiments.
package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tarn-io/tarn/core"
	"github.com/tarn-io/tarn/core/backend"
	"github.com/tarn-io/tarn/core/logger"
	"github.com/tarn-io/tarn/core/model"
	"github.com/tarn-io/tarn/core/routable"
	"github.com/tarn-io/tarn/core/storage"
)

// Service holds the configuration for this service
type Service struct {
	Mongo      string   `env:"MONGO,optional" description:"the connection string for the Mongo deployment; empty uses the in-memory store"`
	Address    string   `env:"ADDRESS,default=:3000" description:"the listen address"`
	LogLevel   string   `env:"LOG_LEVEL,default=info" description:"the log level"`
	Kafka      []string `env:"KAFKA,optional" description:"kafka brokers for change notifications; empty disables the notifier"`
	KafkaTopic string   `env:"KAFKA_TOPIC,default=basic-notifications" description:"the notification topic"`
}

// Person demonstrates the three-representation mapping: FirstName travels as
// "fn" on the wire and "fname" in the database.
type Person struct {
	ID        primitive.ObjectID `json:"id"`
	FirstName string             `db:"fname" json:"fn"`
	LastName  string             `db:"lname" json:"ln"`
	Password  string             `db:"pw,private" json:"-"`
}

var personDef = model.MustRegister(Person{}, model.Options{
	Database:   "basic",
	Collection: "persons",
})

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.Init(level)
	rlog := logger.Default()

	var driver storage.Driver
	if service.Mongo != "" {
		driver = storage.MustOpenMongo(context.Background(), service.Mongo)
	} else {
		rlog.Warnln("MONGO not set, using the in-memory store")
		driver = storage.NewMemoryDriver()
	}
	db, err := driver.Connect(context.Background(), personDef.Options().Database)
	if err != nil {
		panic(err)
	}

	routes := []routable.Route{{
		Name:    "greet",
		Methods: []string{"get"},
		Handler: greet,
	}}
	persons := routable.MustAssemble(routable.Options{
		BaseURL: "person",
		Model:   personDef,
		Store:   db,
	}, routes)

	var notifier backend.Notifier
	if len(service.Kafka) > 0 {
		kafkaNotifier := backend.NewKafkaNotifier(service.Kafka, service.KafkaTopic)
		defer kafkaNotifier.Close()
		notifier = kafkaNotifier
	}

	router := mux.NewRouter()
	b := backend.New(&backend.Builder{
		Router:            router,
		DB:                db,
		Routables:         []*routable.Routable{persons},
		Notifier:          notifier,
		EnableCORS:        true,
		CompressResponses: true,
	})
	b.RequestNotification("person", core.OperationCreate, func(ctx context.Context, n backend.Notification) error {
		logger.FromContext(ctx).Infoln("created person", n.ResourceID)
		return nil
	})

	rlog.Infoln("listening on", service.Address)
	rlog.Fatalln(http.ListenAndServe(service.Address, router))
}

func greet(w http.ResponseWriter, r *http.Request) {
	l := routable.LocalsFromContext(r.Context())
	l.Send(http.StatusOK, map[string]any{"greeting": "hello from tarn"})
}
