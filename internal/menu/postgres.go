package menu

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgCatalog reads the currently published items from the menu_items table.
// Item days are stored as Go weekday numbers (0 = Sunday).
type PgCatalog struct {
	DB       *pgxpool.Pool
	Calendar Calendar
}

func (c *PgCatalog) Menu(ctx context.Context, _ time.Time) (Menu, error) {
	rows, err := c.DB.Query(ctx, `SELECT id, name, price, daily_cap, days, available
	                               FROM menu_items ORDER BY id`)
	if err != nil {
		return Menu{}, fmt.Errorf("query menu items: %w", err)
	}
	defer rows.Close()

	m := Menu{Calendar: c.Calendar, Items: map[string]Item{}}
	for rows.Next() {
		var (
			it   Item
			days []int32
		)
		if err := rows.Scan(&it.ID, &it.Name, &it.Price, &it.DailyCap, &days, &it.Available); err != nil {
			return Menu{}, fmt.Errorf("scan menu item: %w", err)
		}
		for _, d := range days {
			it.Days = append(it.Days, time.Weekday(d))
		}
		m.Items[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return Menu{}, err
	}
	return m, nil
}
