package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"negotiation-lab/domain"
	"negotiation-lab/repositories"
	"os"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

func main() {
	dbPath := flag.String("db", "./data/negotiator", "Path to badger DB")
	conversationID := flag.String("conversation", "", "Only dump this conversation")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLogger(nil))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	ctx := context.Background()
	silent := logs.GetLoggerFromLevel(slog.LevelError)
	directory := repositories.NewConversationRepository(db)
	ledger := repositories.NewOfferLedger(db, silent)

	conversations, err := directory.ListConversations(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if *conversationID != "" {
		conversations = lo.Filter(conversations, func(c domain.Conversation, _ int) bool {
			return c.ID == *conversationID
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Conversation", "Listing", "Round", "Offer", "By", "Amount", "Status", "Counter of", "Updated"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, conversation := range conversations {
		offers, err := ledger.History(ctx, conversation.ThreadKey())
		if err != nil {
			log.Fatal(err)
		}
		for _, offer := range offers {
			counterOf := ""
			if offer.CounterOfferTo != nil {
				counterOf = short(offer.CounterOfferTo.String())
			}
			table.Append([]string{
				short(conversation.ID),
				conversation.ListingID,
				strconv.Itoa(offer.Round),
				short(offer.ID.String()),
				offer.ProposedBy,
				offer.Amount.String(),
				colorize(offer.Status),
				counterOf,
				offer.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
	}
	table.Render()
	fmt.Printf("%d conversation(s)\n", len(conversations))
}

func colorize(status domain.OfferStatus) string {
	switch status {
	case domain.Pending:
		return color.Yellow.Render(status)
	case domain.Accepted:
		return color.Green.Render(status)
	case domain.Rejected:
		return color.Red.Render(status)
	default:
		return color.Gray.Render(status)
	}
}

// short keeps the first 8 characters of an id for readability.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
