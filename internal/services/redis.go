package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var RedisClient *redis.Client

// InitRedis initializes the Redis client
func InitRedis() error {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://redis:6379" // Default Redis address for Docker
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %v", err)
	}

	RedisClient = redis.NewClient(opt)

	// Test the connection
	ctx := context.Background()
	_, err = RedisClient.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return nil
}

func banKey(userID uint) string {
	return fmt.Sprintf("user:ban:%d", userID)
}

// SetUserBan marks a user as soft-banned until the given time. The key
// expires exactly when the ban lapses so reads never see a stale ban.
func SetUserBan(ctx context.Context, userID uint, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return RedisClient.Set(ctx, banKey(userID), until.UTC().Format(time.RFC3339), ttl).Err()
}

// ClearUserBan lifts a soft ban early, after an admin dismisses the
// incident behind it.
func ClearUserBan(ctx context.Context, userID uint) error {
	return RedisClient.Del(ctx, banKey(userID)).Err()
}

// IsUserBanned checks the shared ban cache. The error is surfaced so the
// caller can fall back to the database row and fail closed.
func IsUserBanned(ctx context.Context, userID uint) (bool, error) {
	if RedisClient == nil {
		return false, fmt.Errorf("redis not configured")
	}
	_, err := RedisClient.Get(ctx, banKey(userID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RedisBanner adapts the ban cache to the flagging engine.
type RedisBanner struct{}

func (RedisBanner) SetUserBan(ctx context.Context, userID uint, until time.Time) error {
	return SetUserBan(ctx, userID, until)
}

// SetRiderLocation stores the rider's live position while tracking a delivery
func SetRiderLocation(ctx context.Context, requestID uint, lat, lng float64) error {
	locationData := map[string]interface{}{
		"lat":     lat,
		"lng":     lng,
		"updated": time.Now().Unix(),
	}

	data, err := json.Marshal(locationData)
	if err != nil {
		return err
	}

	key := fmt.Sprintf("request:location:%d", requestID)
	return RedisClient.Set(ctx, key, data, time.Hour).Err()
}

// GetRiderLocation retrieves the rider's last known position for a delivery
func GetRiderLocation(ctx context.Context, requestID uint) (lat, lng float64, err error) {
	key := fmt.Sprintf("request:location:%d", requestID)
	data, err := RedisClient.Get(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}

	var locationData map[string]interface{}
	if err := json.Unmarshal([]byte(data), &locationData); err != nil {
		return 0, 0, err
	}

	lat, _ = locationData["lat"].(float64)
	lng, _ = locationData["lng"].(float64)

	return lat, lng, nil
}

// PublishRiderLocation publishes a live location update to Redis pub/sub
func PublishRiderLocation(ctx context.Context, requestID uint, lat, lng float64) error {
	locationData := map[string]interface{}{
		"requestId": requestID,
		"location": map[string]float64{
			"lat": lat,
			"lng": lng,
		},
		"timestamp": time.Now().Unix(),
	}

	data, err := json.Marshal(locationData)
	if err != nil {
		return err
	}

	return RedisClient.Publish(ctx, "request:location:updates", data).Err()
}

// PublishRequestUpdate publishes a lifecycle status update to Redis pub/sub
func PublishRequestUpdate(ctx context.Context, requestID uint, status string, data map[string]interface{}) error {
	updateData := map[string]interface{}{
		"requestId": requestID,
		"status":    status,
		"data":      data,
		"timestamp": time.Now().Unix(),
	}

	jsonData, err := json.Marshal(updateData)
	if err != nil {
		return err
	}

	return RedisClient.Publish(ctx, "request:updates", jsonData).Err()
}
