package dispatch

import (
	"context"
	"strings"

	"github.com/vedran77/chatsync/internal/domain"
	"github.com/vedran77/chatsync/internal/transport"
	"github.com/vedran77/chatsync/pkg/validator"
)

// matching builds a Match func comparing one field of the decoded payload.
func matching[P any](want string, field func(P) string) func(transport.Event) bool {
	return func(evt transport.Event) bool {
		var p P
		if err := evt.Decode(&p); err != nil {
			return false
		}
		return field(p) == want
	}
}

func (d *Dispatcher) CreateGroup(ctx context.Context, req transport.GroupCreateRequest) (domain.Group, error) {
	if err := validator.ValidateGroup(req.Name, req.Visibility, req.Members).Err(); err != nil {
		return domain.Group{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Visibility == "" {
		req.Visibility = domain.VisibilityPrivate
	}

	p, err := Request[transport.GroupCreatedPayload](ctx, d, Call{
		Event:    transport.EventGroupCreate,
		Payload:  req,
		Response: transport.EventGroupCreated,
		Match: matching(req.Name, func(p transport.GroupCreatedPayload) string {
			return p.Group.Name
		}),
	})
	if err != nil {
		return domain.Group{}, err
	}
	return p.Group, nil
}

func (d *Dispatcher) AddMembers(ctx context.Context, groupID, userID string, members []string) ([]domain.GroupMember, error) {
	if err := validator.ValidateMembers(members).Err(); err != nil {
		return nil, err
	}

	p, err := Request[transport.GroupMembersPayload](ctx, d, Call{
		Event:    transport.EventGroupAddMembers,
		Payload:  transport.GroupMembersRequest{GroupID: groupID, UserID: userID, Members: members},
		Response: transport.EventGroupMembersAdded,
		Match:    matching(groupID, func(p transport.GroupMembersPayload) string { return p.GroupID }),
	})
	if err != nil {
		return nil, err
	}
	return p.Members, nil
}

func (d *Dispatcher) SearchUsers(ctx context.Context, query string, limit int) ([]domain.UserProfile, error) {
	if err := validator.ValidateSearchQuery(query).Err(); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)

	p, err := Request[transport.UserSearchResultsPayload](ctx, d, Call{
		Event:    transport.EventUserSearch,
		Payload:  transport.UserSearchRequest{Query: query, Limit: limit},
		Response: transport.EventUserSearchResults,
		Match:    matching(query, func(p transport.UserSearchResultsPayload) string { return p.Query }),
	})
	if err != nil {
		return nil, err
	}
	return p.Users, nil
}

func (d *Dispatcher) FetchGroupMembers(ctx context.Context, groupID, userID string) ([]domain.GroupMember, error) {
	p, err := Request[transport.GroupMembersPayload](ctx, d, Call{
		Event:    transport.EventGroupMembersFetch,
		Payload:  transport.GroupMembersRequest{GroupID: groupID, UserID: userID},
		Response: transport.EventGroupMembers,
		Match:    matching(groupID, func(p transport.GroupMembersPayload) string { return p.GroupID }),
	})
	if err != nil {
		return nil, err
	}
	return p.Members, nil
}

func (d *Dispatcher) FetchBotCapabilities(ctx context.Context, botID, userID string) ([]domain.BotCapability, error) {
	p, err := Request[transport.BotCapabilitiesPayload](ctx, d, Call{
		Event:    transport.EventBotCapabilities,
		Payload:  transport.BotGroupRequest{BotID: botID, UserID: userID},
		Response: transport.EventBotCapabilitiesList,
		Match:    matching(botID, func(p transport.BotCapabilitiesPayload) string { return p.BotID }),
	})
	if err != nil {
		return nil, err
	}
	return p.Capabilities, nil
}

func (d *Dispatcher) FetchAvailableBots(ctx context.Context, userID string) ([]domain.Bot, error) {
	p, err := Request[transport.BotListPayload](ctx, d, Call{
		Event:    transport.EventBotList,
		Payload:  transport.UserPayload{UserID: userID},
		Response: transport.EventBotsAvailable,
	})
	if err != nil {
		return nil, err
	}
	return p.Bots, nil
}

func (d *Dispatcher) SearchMessages(ctx context.Context, req transport.MessageSearchRequest) ([]domain.ChatMessage, error) {
	if err := validator.ValidateSearchQuery(req.Query).Err(); err != nil {
		return nil, err
	}
	req.Query = strings.TrimSpace(req.Query)

	p, err := Request[transport.MessageSearchResultsPayload](ctx, d, Call{
		Event:    transport.EventMessageSearch,
		Payload:  req,
		Response: transport.EventMessageSearchResults,
		Match:    matching(req.Query, func(p transport.MessageSearchResultsPayload) string { return p.Query }),
	})
	if err != nil {
		return nil, err
	}
	return p.Messages, nil
}
