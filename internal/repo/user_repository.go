package repo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"Chatline/internal/db"
	"Chatline/internal/model"
)

// UserRepository backs the Identity collaborator boundary: the delivery
// subsystem only reads user records, it never manages sessions.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*model.User, error)
}

type userRepository struct {
	con       *mongo.Database
	mongoRepo *db.Repository[model.User]
}

func NewUserRepository(con *mongo.Database, mongoRepo *db.Repository[model.User]) UserRepository {
	return &userRepository{
		con:       con,
		mongoRepo: mongoRepo,
	}
}

func (r *userRepository) GetUser(ctx context.Context, userID string) (*model.User, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := db.NewFilter().Eq("user_id", userID).Build()
	return r.mongoRepo.FindOne(ctx, filter)
}
